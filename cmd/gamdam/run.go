package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"gamdam/internal/annex"
	"gamdam/internal/config"
	"gamdam/internal/download"
	"gamdam/internal/gitrepo"
	"gamdam/internal/logging"
	"gamdam/internal/pipeline"
)

// runBatchFn is swapped out in tests.
var runBatchFn = runBatch

// runBatch executes one download batch end to end: repository setup, the
// addurl worker, the pipeline, and finalization.
func runBatch(cmd *cobra.Command, cfg *config.Config, infile string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger = logger.With(logging.String(logging.FieldRunID, uuid.NewString()))

	in, closeIn, err := openInput(infile)
	if err != nil {
		return err
	}
	defer closeIn()

	repo, err := gitrepo.Ensure(ctx, cfg.Paths.Repo, logger)
	if err != nil {
		return err
	}
	if err := repo.Lock(); err != nil {
		return err
	}
	defer repo.Unlock()

	worker, err := annex.StartAddURL(repo.Root, cfg.Downloads.Jobs, cfg.Downloads.AddurlOptions, logger)
	if err != nil {
		return err
	}

	p := pipeline.New(cfg, logger, worker, annex.NewTooling(repo.Root, logger))
	report, runErr := p.Run(ctx, download.NewReader(in, logger))

	// Finalization runs with whatever accumulated, interrupt included, but
	// a fatal pipeline error aborts the batch with no commit attempt.
	if runErr == nil {
		runErr = pipeline.Finalize(context.WithoutCancel(ctx), cfg, logger, repo, report)
	} else {
		logger.Error("batch aborted", logging.Error(runErr))
	}

	// Per-job failures are reported, not fatal; only pipeline errors fail
	// the run.
	printSummary(cmd.OutOrStdout(), report)
	return runErr
}

// newLogger builds the batch logger, resolving the "auto" format by
// whether stderr is a terminal.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	format := cfg.Logging.Format
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "console"
		}
	}
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: format,
		Output: os.Stderr,
	})
}

func openInput(infile string) (io.Reader, func(), error) {
	if infile == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(infile)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// printSummary renders the batch outcome. On a terminal it uses a table;
// otherwise a single machine-greppable line.
func printSummary(out io.Writer, report *pipeline.Report) {
	failed := report.Failed()
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		t := table.NewWriter()
		t.SetOutputMirror(out)
		t.AppendHeader(table.Row{"Result", "Count"})
		t.AppendRow(table.Row{"Downloaded", report.Downloaded()})
		t.AppendRow(table.Row{"Failed", len(failed)})
		t.Render()
		return
	}
	fmt.Fprintln(out, "downloaded="+strconv.Itoa(report.Downloaded())+" failed="+strconv.Itoa(len(failed)))
}
