package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"gamdam/internal/logging"
)

// Repo is an initialized git-annex repository a batch operates in.
type Repo struct {
	// Root is the working tree top level.
	Root string

	gitDir string
	logger *slog.Logger
	lock   *flock.Flock
}

// Ensure prepares dir for a batch: creates it if needed, initializes git
// when dir is not inside a repository, and initializes git-annex when the
// repository has no annex yet.
func Ensure(ctx context.Context, dir string, logger *slog.Logger) (*Repo, error) {
	logger = logging.NewComponentLogger(logger, "gitrepo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", dir, err)
	}

	root, err := Output(ctx, logger, dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		logger.Info("not a git repository; initializing", logging.String("dir", dir))
		if err := Run(ctx, logger, dir, "git", "init"); err != nil {
			return nil, err
		}
		root = dir
	}

	gitDir, err := Output(ctx, logger, root, "git", "rev-parse", "--git-dir")
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}

	if _, err := os.Stat(filepath.Join(gitDir, "annex")); errors.Is(err, os.ErrNotExist) {
		logger.Info("repository has no annex; initializing", logging.String("dir", root))
		if err := Run(ctx, logger, root, "git-annex", "init"); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("probe annex directory: %w", err)
	}

	logger.Debug("using repository", logging.String("root", root))
	return &Repo{Root: root, gitDir: gitDir, logger: logger}, nil
}

// Lock takes the per-repository batch lock so two gamdam runs cannot drive
// the same annex at once.
func (r *Repo) Lock() error {
	r.lock = flock.New(filepath.Join(r.gitDir, "gamdam.lock"))
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire repository lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another gamdam batch is already running in %s", r.Root)
	}
	return nil
}

// Unlock releases the batch lock. Safe to call when Lock was never taken.
func (r *Repo) Unlock() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("release repository lock", logging.Error(err))
	}
}

// Commit records the staged downloads with the given message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "gamdam batch"
	}
	return Run(ctx, r.logger, r.Root, "git", "commit", "-m", message)
}
