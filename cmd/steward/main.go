package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped by the release build.
var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(args[2:], stdout, stderr)
	case "recover":
		return runRecoverCmd(args[2:], stdout, stderr)
	case "compact":
		return runCompactCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "steward %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sSteward %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sNothing runs until someone says so.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  steward <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run intake, triage, execution and the decision API (default)")

	printSection(w, "ITEMS")
	printCommand(w, "submit", "Admit a candidate from a JSON file (<file>, -source)")
	printCommand(w, "list", "List the items in a bucket (<bucket>, --json)")
	printCommand(w, "decide", "Resolve an approval request (<id> approve|reject [reason])")
	printCommand(w, "recover", "Re-queue items left in Executing by a crashed run")

	printSection(w, "AUDIT")
	printCommand(w, "verify-audit", "Verify the audit hash chain (--json)")
	printCommand(w, "compact", "Archive and remove partitions past retention")

	printSection(w, "UTILITIES")
	printCommand(w, "token", "Issue an API token (-subject, -ttl)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, name, ColorReset, desc)
}
