package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/attestra/cdil/pkg/config"
)

type doctorCheck struct {
	Name   string
	Status string // "ok", "warn", "fail"
	Detail string
}

// runDoctorCmd implements `cdil doctor`: configuration, store
// reachability, and schema probe.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	var results []doctorCheck
	allOK := true
	check := func(name, status, detail string) {
		results = append(results, doctorCheck{Name: name, Status: status, Detail: detail})
		if status == "fail" {
			allOK = false
		}
	}

	check("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	cfg, err := config.Load()
	if err != nil {
		check("config", "fail", err.Error())
		printDoctorResults(stdout, results)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		check("config", "fail", err.Error())
	} else {
		check("config", "ok", fmt.Sprintf("driver=%s nonce=%s archive=%s", cfg.DBDriver, cfg.NonceBackend, cfg.BundleArchive))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		check("store", "fail", err.Error())
	} else {
		defer st.Close()
		if err := st.Init(ctx); err != nil {
			check("store", "fail", err.Error())
		} else if _, err := st.TenantIDsWithEvents(ctx); err != nil {
			check("store_schema", "fail", err.Error())
		} else {
			check("store", "ok", fmt.Sprintf("%s reachable, schema applied", cfg.DBDriver))
		}
	}

	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	switch {
	case err != nil:
		check("retention_profiles", "fail", err.Error())
	case len(profiles) == 0:
		check("retention_profiles", "warn", fmt.Sprintf("no profiles in %s, built-in default applies", cfg.ProfilesDir))
	default:
		check("retention_profiles", "ok", fmt.Sprintf("%d profiles in %s", len(profiles), cfg.ProfilesDir))
	}

	if cfg.OTLPEndpoint == "" {
		check("telemetry", "warn", "CDIL_OTLP_ENDPOINT not set, telemetry disabled")
	} else {
		check("telemetry", "ok", cfg.OTLPEndpoint)
	}

	printDoctorResults(stdout, results)
	if allOK {
		_, _ = fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}

func printDoctorResults(stdout io.Writer, results []doctorCheck) {
	_, _ = fmt.Fprintf(stdout, "\n%sCDIL Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintln(stdout, "───────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		_, _ = fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}
}
