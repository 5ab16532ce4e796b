// Package batch fans a hooks × bodies submission out into combination jobs.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/media"
)

// DefaultConcurrency is used when no positive limit is configured.
const DefaultConcurrency = 2

// Outcome is the resolution state of a Job.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Job is one hook-body pairing within a batch.
type Job struct {
	HookIndex int
	BodyIndex int
	Hook      string
	Body      string
	Output    string
	Outcome   Outcome
	Err       error
}

// Result summarizes a settled batch. Jobs are in hook-major order.
type Result struct {
	Success int
	Total   int
	Jobs    []Job
}

// Failed returns the jobs that did not succeed.
func (r Result) Failed() []Job {
	var failed []Job
	for _, j := range r.Jobs {
		if j.Outcome != OutcomeSucceeded {
			failed = append(failed, j)
		}
	}
	return failed
}

// ProgressFunc is called after each job settles with the number of settled
// jobs so far. Calls are serialized.
type ProgressFunc func(job Job, settled, total int)

// SchedulerConfig is the configuration for the Scheduler.
type SchedulerConfig struct {
	Combiner    media.Combiner
	Concurrency int
	Logger      log.Logger
}

func (c *SchedulerConfig) defaults() error {
	if c.Combiner == nil {
		return fmt.Errorf("combiner is required")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "batch.Scheduler"})
	return nil
}

// Scheduler runs combination jobs with bounded concurrency.
type Scheduler struct {
	combiner    media.Combiner
	concurrency int
	logger      log.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Scheduler{
		combiner:    cfg.Combiner,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}, nil
}

// Plan enumerates the cartesian product of hooks and bodies with a distinct
// output path under outputDir for every pair.
func Plan(hooks, bodies []string, outputDir string) []Job {
	jobs := make([]Job, 0, len(hooks)*len(bodies))
	for i, hook := range hooks {
		for j, body := range bodies {
			jobs = append(jobs, Job{
				HookIndex: i,
				BodyIndex: j,
				Hook:      hook,
				Body:      body,
				Output:    filepath.Join(outputDir, OutputName(i, j, hook, body)),
				Outcome:   OutcomePending,
			})
		}
	}
	return jobs
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// OutputName derives the file name for a hook/body pair. The index prefix
// keeps names unique even when the source names repeat.
func OutputName(hookIndex, bodyIndex int, hook, body string) string {
	return fmt.Sprintf("h%02d_b%02d_%s_%s.mp4", hookIndex+1, bodyIndex+1, stem(hook), stem(body))
}

func stem(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.Trim(unsafeNameChars.ReplaceAllString(base, "-"), "-")
	if len(base) > 40 {
		base = base[:40]
	}
	if base == "" {
		return "clip"
	}
	return base
}

// RunBatch runs every job and returns once all of them have settled. A job
// failure is recorded and counted; it never stops the other jobs.
func (s *Scheduler) RunBatch(ctx context.Context, hooks, bodies []string, outputDir string, onProgress ProgressFunc) Result {
	jobs := Plan(hooks, bodies, outputDir)
	total := len(jobs)

	var (
		mu      sync.Mutex
		settled int
		success int
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			err := s.runJob(ctx, job)

			mu.Lock()
			defer mu.Unlock()
			settled++
			if err != nil {
				job.Outcome = OutcomeFailed
				job.Err = err
				s.logger.Warningf("combination %d/%d (%s + %s) failed: %v", settled, total, filepath.Base(job.Hook), filepath.Base(job.Body), err)
			} else {
				job.Outcome = OutcomeSucceeded
				success++
				s.logger.Debugf("combination %d/%d done: %s", settled, total, filepath.Base(job.Output))
			}
			if onProgress != nil {
				onProgress(*job, settled, total)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{Success: success, Total: total, Jobs: jobs}
}

// runJob converts a panic inside the combiner into a job failure.
func (s *Scheduler) runJob(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("combiner panic: %v", r)
		}
	}()
	return s.combiner.Combine(ctx, job.Hook, job.Body, job.Output)
}
