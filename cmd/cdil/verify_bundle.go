package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/attestra/cdil/pkg/bundle"
)

// runVerifyBundleCmd implements `cdil verify-bundle`.
//
// Verifies an exported evidence bundle fully offline: the certificate
// signature against the bundled public key, the chain fields, and the
// agreement of every bundled part with the certificate. No network, no
// database.
//
// Exit codes:
//
//	0 = bundle verified
//	1 = verification failed
//	2 = unreadable or malformed bundle
func runVerifyBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		jsonOutput bool
	)
	cmd.StringVar(&path, "bundle", "", "Path to an evidence bundle, .zip or .json (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	result, err := bundle.VerifyFile(context.Background(), path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if result.Valid {
		_, _ = fmt.Fprintf(stdout, "✅ Evidence bundle verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Certificate: %s\n", result.CertificateID)
		_, _ = fmt.Fprintf(stdout, "Tenant:      %s\n", result.TenantID)
		_, _ = fmt.Fprintf(stdout, "Format:      %s\n", result.FormatVersion)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Evidence bundle verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Certificate: %s\n", result.CertificateID)
		for _, f := range result.Report.Failures {
			_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", f.Check, f.Error)
		}
		for _, m := range result.Mismatches {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", m)
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}
