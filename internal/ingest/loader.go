package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scrypster/riahunter/internal/logging"
	"github.com/scrypster/riahunter/pkg/types"
)

// Sink receives loaded profiles. *corpus.Corpus implements it.
type Sink interface {
	PutEntity(ctx context.Context, entity *types.Entity) error
	PutNarrative(ctx context.Context, narrative *types.Narrative) error
}

// Options configures a Loader.
type Options struct {
	// AUMInDollars marks loaded AUM values as already in whole dollars, so a
	// later unit correction leaves them alone.
	AUMInDollars bool

	Logger zerolog.Logger
}

// Report summarises one Load.
type Report struct {
	Rows       int
	Loaded     int
	Synthetic  int
	Composed   int
	Skipped    int
	FirstID    int64
	LastID     int64
	SkippedRow []int
}

// Loader writes records to a Sink.
type Loader struct {
	sink   Sink
	opts   Options
	logger zerolog.Logger
}

// NewLoader creates a Loader.
func NewLoader(sink Sink, opts Options) (*Loader, error) {
	if sink == nil {
		return nil, errors.New("ingest: sink is required")
	}
	return &Loader{
		sink:   sink,
		opts:   opts,
		logger: logging.Component(opts.Logger, "ingest"),
	}, nil
}

// Load writes records in order. Rows without a firm name are skipped. Rows
// without a usable CRD number get the synthetic ID of their row, so loading
// the same file twice updates rather than duplicates them. A row without
// narrative text gets one composed from its fields.
func (l *Loader) Load(ctx context.Context, records []Record) (*Report, error) {
	report := &Report{Rows: len(records)}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		row := i + 1

		name := strings.TrimSpace(rec.Name)
		if name == "" {
			report.Skipped++
			report.SkippedRow = append(report.SkippedRow, row)
			l.logger.Debug().Int("row", row).Msg("skipping row without a firm name")
			continue
		}

		crd := parseCRD(rec.CRD)
		id := crd
		if id == 0 {
			id = types.SyntheticID(row)
			report.Synthetic++
		}

		entity := &types.Entity{
			ID:               id,
			DisplayName:      name,
			City:             strings.TrimSpace(rec.City),
			Region:           strings.ToUpper(strings.TrimSpace(rec.State)),
			AUM:              rec.AUM,
			AUMNormalized:    l.opts.AUMInDollars,
			PrivateFundCount: rec.PrivateFundCount,
			PrivateFundAUM:   rec.PrivateFundAUM,
		}
		if entity.AUM != nil && *entity.AUM < 0 {
			entity.AUM = nil
		}
		if err := l.sink.PutEntity(ctx, entity); err != nil {
			return report, fmt.Errorf("ingest: row %d: put entity %d: %w", row, id, err)
		}

		text := strings.TrimSpace(rec.Narrative)
		if text == "" {
			text = BuildNarrative(rec, crd)
			report.Composed++
		}
		if err := l.sink.PutNarrative(ctx, &types.Narrative{EntityID: id, Text: text}); err != nil {
			return report, fmt.Errorf("ingest: row %d: put narrative %d: %w", row, id, err)
		}

		if report.Loaded == 0 {
			report.FirstID = id
		}
		report.LastID = id
		report.Loaded++
	}

	l.logger.Info().
		Int("rows", report.Rows).
		Int("loaded", report.Loaded).
		Int("synthetic", report.Synthetic).
		Int("composed", report.Composed).
		Int("skipped", report.Skipped).
		Msg("ingest complete")
	return report, nil
}
