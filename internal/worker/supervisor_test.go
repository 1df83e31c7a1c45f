package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/riahunter/internal/corpus"
	"github.com/scrypster/riahunter/internal/embedding"
	"github.com/scrypster/riahunter/internal/index"
	"github.com/scrypster/riahunter/internal/storage/sqlite"
	"github.com/scrypster/riahunter/pkg/types"
)

// scriptedRunner records every pass and lets the test decide the outcome.
type scriptedRunner struct {
	mu    sync.Mutex
	calls map[int][]embedding.RunOptions
	step  func(call int, opts embedding.RunOptions) (*embedding.Report, error)
}

func newScriptedRunner(step func(call int, opts embedding.RunOptions) (*embedding.Report, error)) *scriptedRunner {
	return &scriptedRunner{calls: make(map[int][]embedding.RunOptions), step: step}
}

func (r *scriptedRunner) Run(ctx context.Context, opts embedding.RunOptions) (*embedding.Report, error) {
	r.mu.Lock()
	r.calls[opts.Partition.Index] = append(r.calls[opts.Partition.Index], opts)
	call := len(r.calls[opts.Partition.Index])
	r.mu.Unlock()
	return r.step(call, opts)
}

func (r *scriptedRunner) callsFor(partition int) []embedding.RunOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]embedding.RunOptions(nil), r.calls[partition]...)
}

func (r *scriptedRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += len(c)
	}
	return n
}

func runOnce(t *testing.T, runner Runner, cfg Config) *Summary {
	t.Helper()
	cfg.Once = true
	sup, err := New(runner, nil, cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := sup.Run(ctx)
	require.NoError(t, err)
	return summary
}

func TestSupervisor_OncePassesEveryPartition(t *testing.T) {
	runner := newScriptedRunner(func(call int, opts embedding.RunOptions) (*embedding.Report, error) {
		return &embedding.Report{Embedded: 2}, nil
	})

	summary := runOnce(t, runner, Config{Replicas: 2, Partitions: 3})

	for i := 0; i < 3; i++ {
		calls := runner.callsFor(i)
		require.Len(t, calls, 1, "partition %d", i)
		assert.Equal(t, 3, calls[0].Partition.Count)
		assert.Equal(t, int64(0), calls[0].After)
	}
	assert.Equal(t, 3, summary.Passes)
	assert.Equal(t, 0, summary.Crashes)
	assert.Equal(t, 6, summary.Embedded)
}

func TestSupervisor_PanicResumesPastInFlightPage(t *testing.T) {
	runner := newScriptedRunner(func(call int, opts embedding.RunOptions) (*embedding.Report, error) {
		if call == 1 {
			opts.OnPage(opts.After, 40)
			panic("provider client blew up")
		}
		return &embedding.Report{Cursor: 90}, nil
	})

	summary := runOnce(t, runner, Config{Replicas: 1, Partitions: 1, RestartDelay: time.Millisecond})

	calls := runner.callsFor(0)
	require.Len(t, calls, 2)
	assert.Equal(t, int64(0), calls[0].After)
	assert.Equal(t, int64(40), calls[1].After)
	assert.Equal(t, 1, summary.Crashes)
	assert.Equal(t, 1, summary.Passes)
}

func TestSupervisor_ErrorResumesPastInFlightPage(t *testing.T) {
	runner := newScriptedRunner(func(call int, opts embedding.RunOptions) (*embedding.Report, error) {
		switch call {
		case 1:
			opts.OnPage(opts.After, 10)
			opts.OnPage(10, 20)
			return &embedding.Report{Cursor: 10, Embedded: 3}, errors.New("backlog read failed")
		default:
			return &embedding.Report{Cursor: 30, Embedded: 1}, nil
		}
	})

	summary := runOnce(t, runner, Config{Replicas: 1, Partitions: 1})

	calls := runner.callsFor(0)
	require.Len(t, calls, 2)
	assert.Equal(t, int64(20), calls[1].After)
	assert.Equal(t, 4, summary.Embedded, "work done before the crash still counts")
}

func TestSupervisor_RepeatsPassesFromStartUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newScriptedRunner(func(call int, opts embedding.RunOptions) (*embedding.Report, error) {
		if call == 3 {
			cancel()
		}
		return &embedding.Report{Cursor: 100}, nil
	})
	sup, err := New(runner, nil, Config{Replicas: 1, Partitions: 1, RestartDelay: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	_, err = sup.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	calls := runner.callsFor(0)
	require.GreaterOrEqual(t, len(calls), 3)
	for _, c := range calls {
		assert.Equal(t, int64(0), c.After, "a clean pass restarts from the beginning")
	}
}

func TestSupervisor_StopsPromptlyOnCancel(t *testing.T) {
	runner := newScriptedRunner(func(call int, opts embedding.RunOptions) (*embedding.Report, error) {
		return nil, errors.New("always failing")
	})
	sup, err := New(runner, nil, Config{Replicas: 2, Partitions: 2, RestartDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.total() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisor_RunsRealBacklog(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewCorpusStore(":memory:", 8, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := corpus.New(store, index.NewHNSW(8, index.DefaultHNSWConfig()), index.NewTrigram(), corpus.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	for id := int64(1); id <= 9; id++ {
		require.NoError(t, c.PutEntity(ctx, &types.Entity{ID: id, DisplayName: "Firm"}))
		require.NoError(t, c.PutNarrative(ctx, &types.Narrative{EntityID: id, Text: "advisory services for families"}))
	}

	gen, err := embedding.NewGenerator(embedding.NewHashingProvider(8), embedding.GeneratorOptions{Dimension: 8, Logger: zerolog.Nop()})
	require.NoError(t, err)
	proc, err := embedding.NewBacklogProcessor(gen, c, embedding.ProcessorOptions{BatchSize: 2, PoolSize: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(proc.Release)

	summary := runOnce(t, proc, Config{Replicas: 2, Partitions: 3})
	assert.Equal(t, 9, summary.Embedded)
	assert.Equal(t, 3, summary.Passes)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Embedded)
	assert.Equal(t, 0, stats.MissingEmbeddings)
}

func TestSupervisor_LogsDiagnostics(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewCorpusStore(":memory:", 4, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c, err := corpus.New(store, index.NewHNSW(4, index.DefaultHNSWConfig()), index.NewTrigram(), corpus.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, c.PutEntity(ctx, &types.Entity{ID: 1, DisplayName: "Firm"}))
	require.NoError(t, c.PutNarrative(ctx, &types.Narrative{EntityID: 1, Text: "bonds"}))

	var buf syncBuffer
	sup, err := New(newScriptedRunner(nil), c, Config{}, zerolog.New(&buf))
	require.NoError(t, err)

	sup.logDiagnostics(ctx)
	assert.Contains(t, buf.String(), `"message":"corpus diagnostics"`)
	assert.Contains(t, buf.String(), `"missing":1`)
	assert.Contains(t, buf.String(), "waiting for an embedding")
}

func TestSupervisor_RejectsBadSchedule(t *testing.T) {
	runner := newScriptedRunner(func(int, embedding.RunOptions) (*embedding.Report, error) {
		return &embedding.Report{}, nil
	})
	sup, err := New(runner, fakeDiagnostics{}, Config{Once: true, DiagnosticsSchedule: "every now and then"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diagnostics schedule")
	assert.Zero(t, runner.total())
}

func TestNew_RequiresRunner(t *testing.T) {
	_, err := New(nil, nil, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

type fakeDiagnostics struct{}

func (fakeDiagnostics) Diagnostics(ctx context.Context) (*corpus.Diagnostics, error) {
	return &corpus.Diagnostics{}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
