package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/catboxer/qart/pkg/config"
	"github.com/catboxer/qart/pkg/provider"
)

type probeResult struct {
	Provider  string        `json:"provider"`
	Endpoint  string        `json:"endpoint"`
	OK        bool          `json:"ok"`
	Kind      provider.Kind `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	LatencyMS int64         `json:"latency_ms"`
}

// runProvidersCmd implements `qart providers [list|check]`.
//
// Exit codes:
//
//	0 = at least one provider answered (check) or listing succeeded
//	1 = no provider answered
//	2 = runtime or configuration error
func runProvidersCmd(args []string, stdout, stderr io.Writer) int {
	sub := "list"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		sub, args = args[0], args[1:]
	}

	cmd := flag.NewFlagSet("providers "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		nBytes     int
		jsonOutput bool
	)
	cmd.IntVar(&nBytes, "bytes", 16, "Bytes to request from each provider (check)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}

	switch sub {
	case "list":
		return listProviders(cfg.Providers, jsonOutput, stdout)
	case "check":
		if nBytes < 1 {
			_, _ = fmt.Fprintln(stderr, "Error: --bytes must be at least 1")
			return 2
		}
		return checkProviders(cfg.Providers, nBytes, jsonOutput, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown providers subcommand: %s\n", sub)
		_, _ = fmt.Fprintln(stderr, "Usage: qart providers <list|check> [--bytes n] [--json]")
		return 2
	}
}

func listProviders(specs []provider.Spec, jsonOutput bool, stdout io.Writer) int {
	if jsonOutput {
		data, _ := json.MarshalIndent(specs, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	for i, s := range specs {
		cred := "no credential"
		if s.Credential != "" {
			cred = "credential set"
		} else if s.CredentialRequired {
			cred = "credential MISSING"
		}
		_, _ = fmt.Fprintf(stdout, "%d. %-10s %s (%s, timeout %s)\n", i+1, s.Name, s.Endpoint, cred, s.Timeout)
	}
	return 0
}

// checkProviders calls every configured adapter concurrently with its
// validation timeout.
func checkProviders(specs []provider.Spec, n int, jsonOutput bool, stdout, stderr io.Writer) int {
	results := make([]probeResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		spec = spec.ForValidation()
		results[i] = probeResult{Provider: spec.Name, Endpoint: spec.Endpoint}

		adapter, err := provider.New(spec, nil)
		if err != nil {
			results[i].Error = err.Error()
			results[i].Kind = provider.KindPermanent
			continue
		}
		wg.Add(1)
		go func(r *probeResult) {
			defer wg.Done()
			start := time.Now()
			data, err := adapter.Fetch(context.Background(), n)
			r.LatencyMS = time.Since(start).Milliseconds()
			if err != nil {
				r.Kind = provider.KindOf(err)
				r.Error = err.Error()
				return
			}
			r.OK = len(data) == n
		}(&results[i])
	}
	wg.Wait()

	healthy := 0
	for _, r := range results {
		if r.OK {
			healthy++
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, r := range results {
			if r.OK {
				_, _ = fmt.Fprintf(stdout, "%sOK%s   %-10s %4dms\n", ColorGreen, ColorReset, r.Provider, r.LatencyMS)
			} else {
				_, _ = fmt.Fprintf(stdout, "%sFAIL%s %-10s %s: %s\n", ColorRed, ColorReset, r.Provider, r.Kind, r.Error)
			}
		}
		_, _ = fmt.Fprintf(stdout, "%d/%d providers answered\n", healthy, len(results))
	}

	if healthy == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: no provider answered")
		return 1
	}
	return 0
}
