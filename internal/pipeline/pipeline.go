// Package pipeline runs one download batch: it streams requests into the
// addurl worker, correlates the worker's out-of-order completion events
// back to pending jobs, fans successful downloads out to bounded
// post-processing, and aggregates the outcomes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gamdam/internal/annex"
	"gamdam/internal/config"
	"gamdam/internal/download"
	"gamdam/internal/logging"
	"gamdam/internal/relpath"
)

// Source produces the download requests for one batch, ending with io.EOF.
// Any other error is fatal to the batch.
type Source interface {
	Next() (download.Item, error)
}

// Downloader is the persistent download worker channel. *annex.AddURL
// implements it.
type Downloader interface {
	Submit(url string, path relpath.Path) error
	CloseInput() error
	Next() (annex.Completion, error)
	Shutdown(grace time.Duration) error
	Kill()
}

// Tooling runs the per-job follow-up operations. *annex.Tooling implements
// it.
type Tooling interface {
	SetMetadata(ctx context.Context, file relpath.Path, fields map[string][]string) error
	RegisterURL(ctx context.Context, key, url string) error
}

// Pipeline drives one batch through the download worker.
type Pipeline struct {
	cfg        *config.Config
	logger     *slog.Logger
	downloader Downloader
	tooling    Tooling
}

// New constructs a pipeline for one batch.
func New(cfg *config.Config, logger *slog.Logger, downloader Downloader, tooling Tooling) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "pipeline"),
		downloader: downloader,
		tooling:    tooling,
	}
}

// Run executes the batch. ctx carries the interrupt signal: on
// cancellation the pipeline stops reading input, closes the worker's input
// stream, lets dispatched downloads and in-flight post-processing finish,
// and returns with whatever results accumulated. The returned error is
// non-nil only for fatal pipeline conditions; per-job failures live in the
// Report.
func (p *Pipeline) Run(ctx context.Context, source Source) (*Report, error) {
	report := &Report{}
	track := newTracker(p.logger)

	jobs := p.cfg.Downloads.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	grace := time.Duration(p.cfg.Downloads.ShutdownGraceSeconds) * time.Second

	// Backpressure: one slot per submitted-but-unresolved job. The reader
	// blocks here when the worker lags so the pending map stays bounded.
	slots := make(chan struct{}, p.cfg.Downloads.BacklogLimit)
	queue := make(chan relpath.Path, p.cfg.Downloads.BacklogLimit)
	sem := semaphore.NewWeighted(int64(jobs))

	var killed atomic.Bool
	pipelineDone := make(chan struct{})
	go func() {
		select {
		case <-pipelineDone:
			return
		case <-ctx.Done():
		}
		select {
		case <-pipelineDone:
		case <-time.After(grace):
			p.logger.Error("worker did not drain within grace period; killing")
			killed.Store(true)
			p.downloader.Kill()
		}
	}()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))

	// Ingest: input records → tracker + dispatch queue.
	g.Go(func() error {
		defer close(queue)
		for {
			if ctx.Err() != nil {
				p.logger.Info("interrupted; no longer reading input")
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}
			item, err := source.Next()
			if errors.Is(err, io.EOF) {
				p.logger.Debug("input exhausted")
				return nil
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if !track.Add(item) {
				continue
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			case <-gctx.Done():
				return nil
			}
			select {
			case queue <- item.Path:
			case <-ctx.Done():
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Submit: dispatch queue → worker stdin, then half-close to signal the
	// end of the batch.
	g.Go(func() error {
		defer func() {
			if err := p.downloader.CloseInput(); err != nil {
				p.logger.Warn("close worker input", logging.Error(err))
			}
		}()
		for {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-gctx.Done():
				return nil
			case path, ok := <-queue:
				if !ok {
					return nil
				}
				item, ok := track.TakeForDispatch(path)
				if !ok {
					continue
				}
				p.logger.Info("downloading",
					logging.String(logging.FieldURL, item.URL),
					logging.String(logging.FieldPath, item.Path.String()),
				)
				if err := p.downloader.Submit(item.URL, item.Path); err != nil {
					return err
				}
			}
		}
	})

	// Events: worker stdout → tracker resolution → post-processing pool or
	// failure record. Emission order is the worker's, not submission order.
	g.Go(func() error {
		for {
			completion, err := p.downloader.Next()
			if errors.Is(err, io.EOF) {
				// The worker closes its output only after draining every
				// dispatched job; unresolved dispatches here mean it died.
				if n := track.LenDispatched(); n > 0 {
					return fmt.Errorf("download worker exited with %d unresolved jobs", n)
				}
				return nil
			}
			if err != nil {
				return err
			}
			item, known := track.Resolve(completion.File)
			if !known {
				p.logger.Warn("event for unknown path; ignoring",
					logging.String(logging.FieldPath, completion.File.String()),
				)
				continue
			}
			// Resolving a tracked job is what frees its backlog slot; a
			// stray event must not let the reader past the limit.
			select {
			case <-slots:
			default:
			}
			if !completion.Success {
				p.logger.Error("download failed",
					logging.String(logging.FieldPath, item.Path.String()),
					logging.String("worker_error", completion.Err()),
				)
				report.AddFailure(item)
				continue
			}
			key := completion.Key
			if key == "" {
				key = "<none>"
			}
			p.logger.Info("finished downloading",
				logging.String(logging.FieldPath, item.Path.String()),
				logging.String("key", key),
			)
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			job := item
			jobKey := completion.Key
			g.Go(func() error {
				defer sem.Release(1)
				p.postProcess(gctx, ctx, job, jobKey, report)
				return nil
			})
		}
	})

	waitErr := g.Wait()
	close(pipelineDone)

	if dropped := track.DropUndispatched(); dropped > 0 {
		p.logger.Warn("abandoned requests that were never dispatched",
			logging.Int("count", dropped),
		)
	}

	if err := p.downloader.Shutdown(grace); err != nil && waitErr == nil {
		waitErr = err
	}
	if killed.Load() && waitErr == nil {
		waitErr = fmt.Errorf("download worker had to be killed; batch state unknown")
	}
	if pending := track.Len(); pending > 0 && waitErr == nil {
		waitErr = fmt.Errorf("download worker exited with %d unresolved jobs", pending)
	}
	return report, waitErr
}

// postProcess applies a downloaded job's metadata and alternate URLs. Both
// operations must be observed before the job's final state is decided; any
// failure downgrades the job to failed without retry. interrupt is the
// signal context: post-processing not yet started is skipped once it fires.
func (p *Pipeline) postProcess(ctx, interrupt context.Context, item download.Item, key string, report *Report) {
	if interrupt.Err() != nil || ctx.Err() != nil {
		p.logger.Warn("interrupted before post-processing; reporting as failed",
			logging.String(logging.FieldPath, item.Path.String()),
		)
		report.AddFailure(item)
		return
	}

	ok := true
	if len(item.Metadata) > 0 {
		if err := p.tooling.SetMetadata(ctx, item.Path, item.Metadata); err != nil {
			p.logger.Error("setting metadata failed",
				logging.String(logging.FieldPath, item.Path.String()),
				logging.Error(err),
			)
			ok = false
		} else {
			p.logger.Info("set metadata",
				logging.String(logging.FieldPath, item.Path.String()),
			)
		}
	}

	if len(item.ExtraURLs) > 0 {
		if key == "" {
			// Content went straight into git; there is no annex key to
			// attach alternate URLs to.
			p.logger.Warn("no annex key; cannot register extra URLs",
				logging.String(logging.FieldPath, item.Path.String()),
			)
		} else {
			for _, u := range item.ExtraURLs {
				if err := p.tooling.RegisterURL(ctx, key, u); err != nil {
					p.logger.Error("registering URL failed",
						logging.String(logging.FieldPath, item.Path.String()),
						logging.String(logging.FieldURL, u),
						logging.Error(err),
					)
					ok = false
					continue
				}
				p.logger.Info("registered URL",
					logging.String(logging.FieldPath, item.Path.String()),
					logging.String(logging.FieldURL, u),
				)
			}
		}
	}

	if ok {
		report.AddDownloaded()
	} else {
		report.AddFailure(item)
	}
}
