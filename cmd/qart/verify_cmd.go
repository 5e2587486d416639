package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/catboxer/qart/pkg/verifier"
)

// runVerifyCmd implements `qart verify`.
//
// Re-derives every recorded trial from its commit token using the master
// secret from the environment. No server or network is involved.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		records    string
		secretEnv  string
		jsonOutput bool
	)

	cmd.StringVar(&records, "records", "", "Path to trial records JSON (REQUIRED)")
	cmd.StringVar(&secretEnv, "secret-env", "QART_MASTER_SECRET", "Environment variable holding the master secret")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if records == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --records is required")
		return 2
	}
	secret := os.Getenv(secretEnv)
	if secret == "" {
		_, _ = fmt.Fprintf(stderr, "Error: %s is not set\n", secretEnv)
		return 2
	}

	report, err := verifier.VerifyFile([]byte(secret), records)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		if report.Verified {
			_, _ = fmt.Fprintf(stdout, "%sPASSED%s trial verification\n", ColorBold+ColorGreen, ColorReset)
			_, _ = fmt.Fprintf(stdout, "Records: %s (%d trials)\n", records, report.Trials)
			_, _ = fmt.Fprintf(stdout, "Checks: %s\n", report.Summary)
		} else {
			_, _ = fmt.Fprintf(stdout, "%sFAILED%s trial verification\n", ColorBold+ColorRed, ColorReset)
			_, _ = fmt.Fprintf(stdout, "Records: %s\n", records)
			for _, c := range report.Checks {
				if !c.Pass {
					_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
				}
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}
