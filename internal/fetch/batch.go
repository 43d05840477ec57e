package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mvarrel/stagedir/pkg/cancellation"
)

// defaultWorkers bounds the batch pool when no count is configured.
const defaultWorkers = 4

// Job is one entry of a batch manifest.
type Job struct {
	URL      string `yaml:"url"`
	Output   string `yaml:"output,omitempty"`
	Checksum string `yaml:"checksum,omitempty"`
}

// JobResult is the outcome of one batch job.
type JobResult struct {
	Job      Job
	Written  int64
	Duration time.Duration
	Err      error
}

// BatchReport aggregates a batch run.
type BatchReport struct {
	Done    int
	Failed  int
	Results []JobResult
}

// ReadJobList parses a YAML manifest: a flat list of {url, output} entries.
// Missing outputs default to the URL's base name.
func ReadJobList(manifest string) ([]Job, error) {
	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil, fmt.Errorf("reading job list %s: %w", manifest, err)
	}

	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing job list %s: %w", manifest, err)
	}

	for i := range jobs {
		if jobs[i].URL == "" {
			return nil, fmt.Errorf("job list %s: entry %d has no url", manifest, i+1)
		}

		if jobs[i].Output == "" {
			jobs[i].Output = DefaultOutput(jobs[i].URL)
		}
	}

	return jobs, nil
}

// DefaultOutput derives a destination file name from the URL path,
// falling back to "download" when the path has no usable base.
func DefaultOutput(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}

	return "download"
}

// FetchAll runs the jobs through a bounded worker pool. Jobs are
// independent: one failure never aborts the others, it is recorded in the
// report instead. Cancelling ctx cancels every in-flight transfer.
func FetchAll(ctx context.Context, jobs []Job, o Options, workers int, logger *slog.Logger) *BatchReport {
	if logger == nil {
		logger = slog.Default()
	}

	if workers <= 0 {
		workers = defaultWorkers
	}

	// Bridge ctx into a token so every transfer tears down on signal.
	src := cancellation.NewSource()
	defer src.Dispose(false)

	// A dead ctx must poison the token before any worker starts;
	// AfterFunc alone fires on another goroutine.
	if ctx.Err() != nil {
		src.Cancel()
	}

	stopAfter := context.AfterFunc(ctx, src.Cancel)
	defer stopAfter()

	logger.Info("batch fetch starting", "jobs", len(jobs), "workers", workers)

	var (
		g      errgroup.Group
		mu     sync.Mutex
		report BatchReport
	)

	g.SetLimit(workers)

	report.Results = make([]JobResult, len(jobs))

	for i, job := range jobs {
		g.Go(func() error {
			start := time.Now()

			jobOpts := o
			if job.Checksum != "" {
				d, perr := digest.Parse(job.Checksum)
				if perr != nil {
					mu.Lock()
					report.Results[i] = JobResult{Job: job, Err: fmt.Errorf("parsing checksum: %w", perr)}
					report.Failed++
					mu.Unlock()

					logger.Warn("batch job failed", "url", job.URL, "error", perr)

					return nil
				}

				jobOpts.Checksum = d
			}

			res, err := New(job.URL, job.Output, jobOpts).Fetch(src.Token())

			jr := JobResult{Job: job, Duration: time.Since(start), Err: err}
			if res != nil {
				jr.Written = res.Written
			}

			mu.Lock()
			report.Results[i] = jr

			if err != nil {
				report.Failed++
			} else {
				report.Done++
			}
			mu.Unlock()

			if err != nil {
				logger.Warn("batch job failed", "url", job.URL, "error", err)
			}

			return nil
		})
	}

	// Workers never return errors; failures live in the report.
	_ = g.Wait()

	logger.Info("batch fetch finished", "done", report.Done, "failed", report.Failed)

	return &report
}
