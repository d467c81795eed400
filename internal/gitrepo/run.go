// Package gitrepo bootstraps the git-annex repository a batch operates in
// and runs the one-shot git and git-annex commands the pipeline needs.
package gitrepo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"gamdam/internal/logging"
)

// Run executes a command in dir, logging its shell-quoted command line at
// debug. Stdout and stderr pass through; a non-zero exit surfaces as an
// error naming the quoted command line.
func Run(ctx context.Context, logger *slog.Logger, dir string, argv ...string) error {
	cmdline := shellquote.Join(argv...)
	logger.Debug("running command", logging.String("cmdline", cmdline))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command `%s` failed: %w", cmdline, err)
	}
	return nil
}

// Output executes a command in dir and returns its captured stdout. Stderr
// passes through so the user still sees tool diagnostics.
func Output(ctx context.Context, logger *slog.Logger, dir string, argv ...string) (string, error) {
	cmdline := shellquote.Join(argv...)
	logger.Debug("running command", logging.String("cmdline", cmdline))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("command `%s` failed: %w", cmdline, err)
	}
	return strings.TrimSpace(string(out)), nil
}
