// Command cdil runs the Clinical Documentation Integrity Ledger: the
// HTTP certification service plus the operator commands around it. All
// commands read configuration from CDIL_* environment variables, write
// to injected stdout/stderr, and signal outcomes through exit codes so
// they compose in scripts and tests.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServe is a variable to allow mocking in tests.
var startServe = runServeCmd

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return startServe(args[2:], stdout, stderr)
	case "verify-ledger":
		return runVerifyLedgerCmd(args[2:], stdout, stderr)
	case "verify-bundle":
		return runVerifyBundleCmd(args[2:], stdout, stderr)
	case "rotate-key":
		return runRotateKeyCmd(args[2:], stdout, stderr)
	case "create-tenant":
		return runCreateTenantCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCDIL%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sClinical Documentation Integrity Ledger%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  cdil <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the certification HTTP server")
	printCommand(w, "doctor", "Check configuration and store reachability")

	printSection(w, "VERIFICATION")
	printCommand(w, "verify-ledger", "Verify the audit chain (--tenant, --filter, --json)")
	printCommand(w, "verify-bundle", "Verify an evidence bundle offline (--bundle, --json)")

	printSection(w, "ADMINISTRATION")
	printCommand(w, "create-tenant", "Create a tenant (--tenant, --profile)")
	printCommand(w, "rotate-key", "Rotate a tenant's signing key (--tenant)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, name, ColorReset, desc)
}
