package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/catboxer/qart/pkg/archive"
	"github.com/catboxer/qart/pkg/config"
	"github.com/catboxer/qart/pkg/observability"
)

// runExportCmd implements `qart export`.
//
// Writes the audit trail of one block (served derivations and reveals) to
// the configured archive and prints its content address. With --show it
// instead fetches a bundle by address and checks it against that address.
//
// Exit codes:
//
//	0 = exported / fetched
//	1 = nothing to export, or bundle not found
//	2 = configuration or runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sessionID  string
		blockID    string
		show       string
		jsonOutput bool
	)

	cmd.StringVar(&sessionID, "session", "", "Session ID to export")
	cmd.StringVar(&blockID, "block", "", "Block ID to export")
	cmd.StringVar(&show, "show", "", "Fetch and print an archived bundle by sha256 address")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if show == "" && (sessionID == "" || blockID == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --session and --block are required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	logger, err := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dst, err := archive.Open(ctx, archive.Config{
		Type:     archive.Type(cfg.ArchiveType),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   cfg.ArchivePrefix,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
		return 2
	}

	if show != "" {
		b, err := archive.Load(ctx, dst, show)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		data, _ := json.MarshalIndent(b, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	db, st, err := openAuditStore(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	hash, b, err := archive.Export(ctx, st, dst, sessionID, blockID, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}
	logger.Info("bundle archived", "session_id", sessionID, "block_id", blockID, "hash", hash, "archive", cfg.ArchiveType)

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"hash":        hash,
			"session_id":  b.SessionID,
			"block_id":    b.BlockID,
			"commit_hash": b.CommitHash,
			"derivations": len(b.Derivations),
			"reveals":     len(b.Reveals),
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%sEXPORTED%s %s/%s\n", ColorBold+ColorGreen, ColorReset, sessionID, blockID)
	_, _ = fmt.Fprintf(stdout, "Address: %s\n", hash)
	_, _ = fmt.Fprintf(stdout, "Derivations: %d  Reveals: %d\n", len(b.Derivations), len(b.Reveals))
	return 0
}
