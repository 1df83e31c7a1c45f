// Package worker runs embedding backlog passes under supervision. The
// identifier space is split into modulo partitions; a fixed number of
// replicas pull partitions from a queue, run a pass over each, and hand it
// back to the queue when the pass ends, however it ends.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrypster/riahunter/internal/config"
	"github.com/scrypster/riahunter/internal/corpus"
	"github.com/scrypster/riahunter/internal/embedding"
	"github.com/scrypster/riahunter/internal/logging"
	"github.com/scrypster/riahunter/internal/storage"
)

// Partition is one unit of work on the queue: a modulo slice of the ID space
// and the cursor to resume from.
type Partition struct {
	Index int
	Count int
	After int64
}

func (p Partition) slice() storage.Partition {
	return storage.Partition{Index: p.Index, Count: p.Count}
}

// Runner runs one backlog pass. *embedding.BacklogProcessor implements it.
type Runner interface {
	Run(ctx context.Context, opts embedding.RunOptions) (*embedding.Report, error)
}

// DiagnosticsSource reports corpus health. *corpus.Corpus implements it.
type DiagnosticsSource interface {
	Diagnostics(ctx context.Context) (*corpus.Diagnostics, error)
}

// Config configures a Supervisor.
type Config struct {
	// Replicas is the number of concurrent workers.
	Replicas int

	// Partitions is the number of modulo slices. Values below 1 mean 1.
	Partitions int

	// RestartDelay is the pause before a finished or crashed partition is
	// picked up again.
	RestartDelay time.Duration

	// Once stops the supervisor after every partition has completed one
	// successful pass. Otherwise passes repeat until the context is done.
	Once bool

	// DiagnosticsSchedule is a cron spec ("@every 1m", "*/5 * * * *") for
	// logging corpus diagnostics. Empty disables it.
	DiagnosticsSchedule string
}

// ConfigFromSettings maps the worker section of the config file.
func ConfigFromSettings(w config.WorkerConfig) Config {
	return Config{
		Replicas:            w.Replicas,
		Partitions:          w.Partitions,
		RestartDelay:        w.RestartDelay,
		DiagnosticsSchedule: w.DiagnosticsSchedule,
	}
}

// Summary totals every pass a Supervisor ran.
type Summary struct {
	Passes       int
	Crashes      int
	Embedded     int
	SkippedBlank int
	Stale        int
	Failed       int
}

func (s *Summary) add(r *embedding.Report) {
	if r == nil {
		return
	}
	s.Embedded += r.Embedded
	s.SkippedBlank += r.SkippedBlank
	s.Stale += r.Stale
	s.Failed += r.Failed
}

// Supervisor owns the partition queue and the restart policy.
type Supervisor struct {
	runner      Runner
	diagnostics DiagnosticsSource
	cfg         Config
	logger      zerolog.Logger

	mu      sync.Mutex
	summary Summary
}

// New creates a Supervisor. diagnostics may be nil.
func New(runner Runner, diagnostics DiagnosticsSource, cfg Config, logger zerolog.Logger) (*Supervisor, error) {
	if runner == nil {
		return nil, errors.New("worker: runner is required")
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	return &Supervisor{
		runner:      runner,
		diagnostics: diagnostics,
		cfg:         cfg,
		logger:      logging.Component(logger, "supervisor"),
	}, nil
}

// Run starts the replicas and blocks until ctx is done or, with Once set,
// until every partition has completed a pass. It returns ctx's error when
// the caller cancelled it.
func (s *Supervisor) Run(ctx context.Context) (*Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopDiagnostics, err := s.startDiagnostics(runCtx)
	if err != nil {
		return nil, err
	}
	defer stopDiagnostics()

	// Each partition lives either in the queue, with one replica, or in one
	// pending restart, so a buffer of Partitions never blocks.
	queue := make(chan Partition, s.cfg.Partitions)
	for i := 0; i < s.cfg.Partitions; i++ {
		queue <- Partition{Index: i, Count: s.cfg.Partitions}
	}

	var remaining atomic.Int64
	remaining.Store(int64(s.cfg.Partitions))

	s.logger.Info().
		Int("replicas", s.cfg.Replicas).
		Int("partitions", s.cfg.Partitions).
		Bool("once", s.cfg.Once).
		Msg("starting embedding workers")

	var wg sync.WaitGroup
	for r := 0; r < s.cfg.Replicas; r++ {
		wg.Add(1)
		go func(replica int) {
			defer wg.Done()
			s.replica(runCtx, replica, queue, &wg, &remaining, cancel)
		}(r)
	}
	wg.Wait()

	s.mu.Lock()
	summary := s.summary
	s.mu.Unlock()

	s.logger.Info().
		Int("passes", summary.Passes).
		Int("crashes", summary.Crashes).
		Int("embedded", summary.Embedded).
		Int("failed", summary.Failed).
		Msg("embedding workers stopped")

	if err := ctx.Err(); err != nil {
		return &summary, err
	}
	return &summary, nil
}

func (s *Supervisor) replica(ctx context.Context, replica int, queue chan Partition, wg *sync.WaitGroup, remaining *atomic.Int64, finish context.CancelFunc) {
	logger := s.logger.With().Int("replica", replica).Logger()
	logger.Debug().Msg("worker started")
	defer logger.Debug().Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-queue:
			next, ok := s.runPartition(ctx, logger, p)
			if ctx.Err() != nil {
				return
			}
			if ok && s.cfg.Once {
				if remaining.Add(-1) == 0 {
					finish()
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.requeue(ctx, queue, next)
			}()
		}
	}
}

// requeue hands p back to the queue after RestartDelay.
func (s *Supervisor) requeue(ctx context.Context, queue chan<- Partition, p Partition) {
	if s.cfg.RestartDelay > 0 {
		timer := time.NewTimer(s.cfg.RestartDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	select {
	case <-ctx.Done():
	case queue <- p:
	}
}

// runPartition runs one pass and returns the partition to enqueue next.
// After a clean pass the next one starts from the beginning; after a crash
// it resumes past the page that was in flight, so a record that brings the
// pass down is not retried forever.
func (s *Supervisor) runPartition(ctx context.Context, logger zerolog.Logger, p Partition) (Partition, bool) {
	runID := uuid.NewString()
	logger = logger.With().
		Str("run_id", runID).
		Str("partition", p.slice().String()).
		Int64("after", p.After).
		Logger()

	var inFlight atomic.Int64
	inFlight.Store(p.After)
	opts := embedding.RunOptions{
		Partition: p.slice(),
		After:     p.After,
		OnPage: func(_, last int64) {
			inFlight.Store(last)
		},
	}

	report, err := s.safeRun(ctx, opts)
	if report == nil {
		report = &embedding.Report{Cursor: p.After}
	}

	s.mu.Lock()
	s.summary.add(report)
	if err == nil {
		s.summary.Passes++
	} else if ctx.Err() == nil {
		s.summary.Crashes++
	}
	s.mu.Unlock()

	if err == nil {
		logger.Info().Int("embedded", report.Embedded).Int("failed", report.Failed).Msg("pass complete")
		return Partition{Index: p.Index, Count: p.Count}, true
	}
	if ctx.Err() != nil {
		return p, false
	}

	next := p
	next.After = max(p.After, inFlight.Load(), report.Cursor)
	logger.Error().Err(err).Int64("resume_after", next.After).Msg("pass crashed, restarting")
	return next, false
}

func (s *Supervisor) safeRun(ctx context.Context, opts embedding.RunOptions) (report *embedding.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: pass panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx, opts)
}

// Summary returns the totals so far.
func (s *Supervisor) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
