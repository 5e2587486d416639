package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/catboxer/qart/pkg/client"
)

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)

	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}
	var (
		url     string
		timeout time.Duration
	)
	cmd.StringVar(&url, "url", "http://localhost:"+port, "Base URL of the health server")
	cmd.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body, err := client.New(url).Health(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, body)
	return 0
}
