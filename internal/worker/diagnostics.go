package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// startDiagnostics schedules periodic diagnostics logging and returns the
// function that stops it.
func (s *Supervisor) startDiagnostics(ctx context.Context) (func(), error) {
	if s.diagnostics == nil || s.cfg.DiagnosticsSchedule == "" {
		return func() {}, nil
	}

	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.DiagnosticsSchedule, func() { s.logDiagnostics(ctx) }); err != nil {
		return nil, fmt.Errorf("worker: diagnostics schedule %q: %w", s.cfg.DiagnosticsSchedule, err)
	}
	c.Start()

	return func() {
		<-c.Stop().Done()
	}, nil
}

func (s *Supervisor) logDiagnostics(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d, err := s.diagnostics.Diagnostics(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("diagnostics unavailable")
		return
	}

	sum := s.Summary()
	event := s.logger.Info()
	if len(d.Warnings) > 0 {
		event = s.logger.Warn().Strs("warnings", d.Warnings)
	}
	event.
		Int("entities", d.Store.Entities).
		Int("embedded", d.Store.Embedded).
		Int("missing", d.Store.MissingEmbeddings).
		Int("blank", d.Store.BlankNarratives).
		Str("vector_backend", d.VectorBackend).
		Int("vector_count", d.VectorCount).
		Int("passes", sum.Passes).
		Int("crashes", sum.Crashes).
		Msg("corpus diagnostics")
}
