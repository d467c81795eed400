package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gamdam/internal/config"
	"gamdam/internal/download"
	"gamdam/internal/logging"
)

// Committer records the batch in the repository. *gitrepo.Repo implements
// it.
type Committer interface {
	Commit(ctx context.Context, message string) error
}

// Finalize writes the failed-job report and decides whether to commit the
// batch. The failures file is written whenever there are failures,
// independent of the commit decision. Commit messages expand the
// {downloaded} placeholder to the number of fully successful jobs.
func Finalize(ctx context.Context, cfg *config.Config, logger *slog.Logger, repo Committer, report *Report) error {
	logger = logging.NewComponentLogger(logger, "finalize")

	failed := report.Failed()
	if len(failed) > 0 {
		logger.Error("jobs failed", logging.Int("count", len(failed)))
		if cfg.Paths.FailuresFile != "" {
			if err := writeFailuresFile(cfg.Paths.FailuresFile, failed); err != nil {
				return err
			}
			logger.Info("wrote failed jobs",
				logging.String(logging.FieldPath, cfg.Paths.FailuresFile),
			)
		}
	}

	if !cfg.Commit.Save {
		logger.Info("saving disabled; not committing")
		return nil
	}
	if len(failed) > 0 && !cfg.Commit.SaveOnFail {
		logger.Info("not committing because some jobs failed")
		return nil
	}
	if report.Downloaded() == 0 {
		logger.Info("nothing downloaded; not committing")
		return nil
	}

	message := strings.ReplaceAll(cfg.Commit.Message, "{downloaded}", strconv.Itoa(report.Downloaded()))
	if err := repo.Commit(ctx, message); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	logger.Info("committed batch", logging.Int("downloaded", report.Downloaded()))
	return nil
}

func writeFailuresFile(path string, failed []download.Item) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create failures file: %w", err)
	}
	if err := download.WriteFailures(f, failed); err != nil {
		f.Close()
		return fmt.Errorf("write failures file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write failures file: %w", err)
	}
	return nil
}
