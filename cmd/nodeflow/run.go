package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// runRun executes a workflow file. The exit code is 0 only for a completed run.
func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	input := fs.String("input", "", "trigger input as a JSON object")
	dbPath := fs.String("db-path", "", "database path, or \"memory\" (default: db_path setting)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: nodeflow run [-input JSON] [-db-path PATH] <file>")
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	var triggerInput map[string]any
	if *input != "" {
		if err := json.Unmarshal([]byte(*input), &triggerInput); err != nil {
			fmt.Fprintf(stderr, "Error: -input must be a JSON object: %v\n", err)
			return 2
		}
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(stderr, cfg.LogLevel)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	wf, result := a.validator.ValidateDocument(raw)
	if !result.Valid() {
		writeJSON(stderr, result)
		return 1
	}

	run := a.engine.Run(ctx, engine.RunRequest{
		WorkflowID:    wf.ID,
		Nodes:         wf.Nodes,
		PlatformToken: cfg.PlatformToken,
		TriggerInput:  triggerInput,
		Credentials:   a.credentials,
	})
	writeJSON(stdout, run)
	if run.Status != schema.RunStatusCompleted {
		return 1
	}
	return 0
}

// runValidate checks a workflow file and prints every issue found.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: nodeflow validate <file>")
		return 2
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	validator, err := validation.NewWorkflowValidator(nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, result := validator.ValidateDocument(raw)
	writeJSON(stdout, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
	if !result.Valid() {
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
