package annex

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gamdam/internal/logging"
	"gamdam/internal/relpath"
)

// Completion is one finished download reported by the addurl worker.
// Key is empty when git-annex added the content to git directly (non-large
// files), in which case no alternate URLs can be registered for it.
type Completion struct {
	File          relpath.Path
	Key           string
	Success       bool
	ErrorMessages []string
	Note          string
}

// Err joins the worker's error messages for logging.
func (c Completion) Err() string {
	if len(c.ErrorMessages) == 0 {
		return "unknown error"
	}
	return strings.Join(c.ErrorMessages, "; ")
}

// AddURL is the persistent download worker: one `git-annex addurl --batch`
// process fed one "<url> <path>" request per line, emitting JSON completion
// and progress records per line in whatever order downloads finish.
type AddURL struct {
	p      *process
	logger *slog.Logger
}

// StartAddURL spawns the download worker in the repository at dir. jobs is
// the worker-side download parallelism; zero or less selects one job per
// CPU. extraOpts pass through to addurl unchanged.
func StartAddURL(dir string, jobs int, extraOpts []string, logger *slog.Logger) (*AddURL, error) {
	logger = logging.NewComponentLogger(logger, "addurl")
	jobsArg := "cpus"
	if jobs > 0 {
		jobsArg = strconv.Itoa(jobs)
	}
	args := []string{
		"addurl",
		"--batch",
		"--with-files",
		"--jobs", jobsArg,
		"--json",
		"--json-error-messages",
		"--json-progress",
	}
	args = append(args, extraOpts...)
	p, err := startProcess(dir, "git-annex", args, logger)
	if err != nil {
		return nil, err
	}
	return &AddURL{p: p, logger: logger}, nil
}

// Submit queues one download with the worker and returns without waiting
// for it to finish.
func (a *AddURL) Submit(url string, path relpath.Path) error {
	return a.p.send(url + " " + path.String())
}

// CloseInput signals the worker that no more downloads are coming.
func (a *AddURL) CloseInput() error { return a.p.closeInput() }

// Next blocks for the next completion event, returning io.EOF once the
// worker has drained and closed its output. Progress records are logged and
// skipped. A line that parses as neither is a fatal protocol error: the
// worker's state is unknown and the batch cannot continue.
func (a *AddURL) Next() (Completion, error) {
	for {
		line, err := a.p.readLine()
		if err != nil {
			return Completion{}, err
		}
		record, err := parseAddurl(line)
		if err != nil {
			return Completion{}, fmt.Errorf("addurl protocol desynchronized: %w", err)
		}
		if record.progress != nil {
			a.logProgress(record.progress)
			continue
		}
		return *record.completion, nil
	}
}

// Shutdown waits up to grace for the worker to exit, killing it afterward.
func (a *AddURL) Shutdown(grace time.Duration) error { return a.p.shutdown(grace) }

// Kill terminates the worker immediately. Used when a graceful drain has
// already timed out.
func (a *AddURL) Kill() { a.p.kill() }

func (a *AddURL) logProgress(pr *progress) {
	total := "???"
	if pr.TotalSize != nil {
		total = strconv.FormatInt(*pr.TotalSize, 10)
	}
	percent := pr.PercentProgress
	if percent == "" {
		percent = "??.??%"
	}
	file := ""
	if pr.Action != nil && pr.Action.File != nil {
		file = *pr.Action.File
	}
	a.logger.Debug("download progress",
		logging.String(logging.FieldPath, file),
		logging.String("bytes", fmt.Sprintf("%d / %s", pr.ByteProgress, total)),
		logging.String("percent", percent),
	)
}

type action struct {
	Command string   `json:"command"`
	File    *string  `json:"file"`
	Input   []string `json:"input"`
}

type progress struct {
	ByteProgress    int64   `json:"byte-progress"`
	TotalSize       *int64  `json:"total-size"`
	PercentProgress string  `json:"percent-progress"`
	Action          *action `json:"action"`
}

// addurlRecord is the union shape of one worker output line: progress
// records carry byte-progress and a nested action; completion records carry
// success and the flattened action fields.
type addurlRecord struct {
	progress   *progress
	completion *Completion
}

func parseAddurl(line string) (addurlRecord, error) {
	var raw struct {
		ByteProgress    *int64   `json:"byte-progress"`
		TotalSize       *int64   `json:"total-size"`
		PercentProgress string   `json:"percent-progress"`
		Action          *action  `json:"action"`
		Key             string   `json:"key"`
		File            *string  `json:"file"`
		Success         *bool    `json:"success"`
		ErrorMessages   []string `json:"error-messages"`
		Note            string   `json:"note"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return addurlRecord{}, fmt.Errorf("unparseable event line %q: %w", line, err)
	}

	if raw.Success != nil {
		if raw.File == nil || *raw.File == "" {
			return addurlRecord{}, fmt.Errorf("completion event without a file: %q", line)
		}
		file, err := relpath.New(*raw.File)
		if err != nil {
			return addurlRecord{}, fmt.Errorf("completion event file %q: %w", *raw.File, err)
		}
		return addurlRecord{completion: &Completion{
			File:          file,
			Key:           raw.Key,
			Success:       *raw.Success,
			ErrorMessages: raw.ErrorMessages,
			Note:          raw.Note,
		}}, nil
	}

	if raw.ByteProgress != nil {
		return addurlRecord{progress: &progress{
			ByteProgress:    *raw.ByteProgress,
			TotalSize:       raw.TotalSize,
			PercentProgress: raw.PercentProgress,
			Action:          raw.Action,
		}}, nil
	}

	return addurlRecord{}, fmt.Errorf("event line is neither progress nor completion: %q", line)
}
