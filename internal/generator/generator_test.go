package generator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/evalgen/internal/driver"
	"github.com/iambrandonn/evalgen/internal/generator"
	"github.com/iambrandonn/evalgen/internal/protocol"
	"github.com/iambrandonn/evalgen/pkg/testharness"
)

const depth = 8

type flag struct{ set atomic.Bool }

func (f *flag) Requested() bool { return f.set.Load() }

type recordingProgress struct {
	renders  [][2]int
	finished bool
}

func (p *recordingProgress) Render(done, total int) { p.renders = append(p.renders, [2]int{done, total}) }
func (p *recordingProgress) Finish() { p.finished = true }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoop(t *testing.T, engine *testharness.FakeEngine, shutdown generator.ShutdownSignal) *generator.Loop {
	t.Helper()

	classifier, err := protocol.NewClassifier(protocol.DefaultMarkers())
	require.NoError(t, err)

	d := driver.New(engine, driver.Config{
		Depth:           depth,
		GoTimeout:       5 * time.Millisecond,
		ResponseTimeout: 5 * time.Millisecond,
		MaxRetries:      5,
		Classifier:      classifier,
	}, discard())

	return generator.New(d, engine, shutdown, discard())
}

func TestRunProcessesInOrderAndQuits(t *testing.T) {
	engine := testharness.NewFakeEngine()
	loop := newLoop(t, engine, nil)

	positions := []string{"P1", "P2", "P3"}
	stats, err := loop.Run(context.Background(), positions, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"position fen P1", "position fen P2", "position fen P3"},
		engine.Sent(protocol.VerbPosition))
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 3, stats.NextIndex)
	assert.Equal(t, 3, stats.PositionSends)
	assert.False(t, stats.Interrupted)

	trace := engine.Trace()
	assert.Equal(t, testharness.TraceQuit, trace[len(trace)-1], "quit must be the last thing sent")
	assert.Equal(t, []time.Duration{0}, engine.QuitTimeouts(), "normal completion waits unconditionally")
}

func TestRunEmptyInputStillQuits(t *testing.T) {
	engine := testharness.NewFakeEngine()
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, []string{testharness.TraceQuit}, engine.Trace())
}

func TestRunCrashOnGoScenario(t *testing.T) {
	engine := testharness.NewFakeEngine()
	engine.Replies["P1"] = []testharness.Reply{{Lines: []string{"bestmove x"}}}
	engine.Replies["P2"] = []testharness.Reply{{Crash: true}}
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2"}, 0)
	require.NoError(t, err)

	want := []string{
		"> position fen P1",
		"> go depth 8",
		"< bestmove x",
		"> position fen P2",
	}
	for range 6 {
		want = append(want, "> go depth 8", testharness.TraceTimeout)
	}
	want = append(want,
		testharness.TraceRestart,
		"> position fen P2",
		"> go depth 8",
		"< info depth 1 score cp 0",
		"< bestmove e2e4",
		testharness.TraceQuit,
	)
	if diff := cmp.Diff(want, engine.Trace()); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Reissued)
	assert.Equal(t, 5, stats.GoResends)
	assert.Equal(t, 1, engine.Restarts())
}

func TestRunWriteFailureResendsPositionOnce(t *testing.T) {
	engine := testharness.NewFakeEngine()
	engine.FailWrites["position fen P2"] = 1
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2", "P3"}, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"position fen P1", "position fen P2", "position fen P3"},
		engine.Sent(protocol.VerbPosition))
	assert.Equal(t, 1, stats.Reissued)
	assert.Equal(t, 4, stats.PositionSends, "P2 is attempted twice")
	assert.Equal(t, 3, stats.Completed)

	trace := engine.Trace()
	idx := indexOf(trace, "! position fen P2")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, []string{testharness.TraceRestart, "> position fen P2"}, trace[idx+1:idx+3])
}

func TestRunReissuesOnlyOnce(t *testing.T) {
	engine := testharness.NewFakeEngine()
	engine.FailWrites["position fen P1"] = 2
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Reissued)
	assert.Equal(t, 1, stats.Lost)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, []string{"position fen P2"}, engine.Sent(protocol.VerbPosition))
}

func TestRunPositionSendsAtLeastInputLength(t *testing.T) {
	engine := testharness.NewFakeEngine()
	engine.Replies["B"] = []testharness.Reply{{Crash: true}}
	engine.Replies["D"] = []testharness.Reply{{Lines: []string{"Position D is invalid"}}}
	loop := newLoop(t, engine, nil)

	positions := []string{"A", "B", "C", "D", "E"}
	stats, err := loop.Run(context.Background(), positions, 0)
	require.NoError(t, err)

	sent := engine.Sent(protocol.VerbPosition)
	assert.GreaterOrEqual(t, len(sent), len(positions))
	assert.Len(t, sent, len(positions)+1, "only the crashed position is sent twice")
	assert.Equal(t, 1, stats.Recovered)
}

func TestRunSilenceAfterInfoMovesOn(t *testing.T) {
	engine := testharness.NewFakeEngine()
	engine.Replies["P1"] = []testharness.Reply{{Lines: []string{"info depth 1", "info depth 2"}}}
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Silent)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Reissued, "a live engine is not re-issued after silence")
}

func TestRunStalledPositionIsSkipped(t *testing.T) {
	engine := testharness.NewFakeEngine()
	engine.Replies["P1"] = []testharness.Reply{{}, {}, {}, {}, {}, {}}
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Stalled)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 5, stats.GoResends)
	assert.Len(t, engine.Sent(protocol.VerbGo), 7)
}

func TestRunStopsOnShutdownRequest(t *testing.T) {
	shutdown := &flag{}
	engine := testharness.NewFakeEngine()
	engine.OnSend = func(line string) {
		if line == "go depth 8" && len(engine.Sent(protocol.VerbPosition)) == 2 {
			shutdown.set.Store(true)
		}
	}
	loop := newLoop(t, engine, shutdown)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2", "P3", "P4"}, 0)
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 2, stats.Processed, "the in-flight position finishes")
	assert.Equal(t, 2, stats.NextIndex)
	assert.Equal(t, []string{"position fen P1", "position fen P2"}, engine.Sent(protocol.VerbPosition))
	assert.Empty(t, engine.QuitTimeouts(), "quit belongs to the shutdown path")
}

func TestRunStoppedEngineDuringShutdownIsNotAnError(t *testing.T) {
	shutdown := &flag{}
	engine := testharness.NewFakeEngine()
	engine.OnSend = func(line string) {
		if line == "position fen P2" {
			shutdown.set.Store(true)
			_ = engine.Quit(context.Background(), 10*time.Second)
		}
	}
	loop := newLoop(t, engine, shutdown)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2", "P3"}, 0)
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.NextIndex)
	assert.Equal(t, []time.Duration{10 * time.Second}, engine.QuitTimeouts())
}

func TestRunShutdownDuringAnalysisLeavesPositionUnprocessed(t *testing.T) {
	shutdown := &flag{}
	engine := testharness.NewFakeEngine()
	engine.Replies["P2"] = []testharness.Reply{{Lines: []string{"info depth 1"}}}
	engine.OnSend = func(line string) {
		if line == "go depth 8" && len(engine.Sent(protocol.VerbPosition)) == 2 {
			shutdown.set.Store(true)
			_ = engine.Quit(context.Background(), time.Second)
		}
	}

	var saved []generator.Stats
	loop := newLoop(t, engine, shutdown)
	loop.SetCheckpoint(func(s generator.Stats) { saved = append(saved, s) }, 1)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2", "P3"}, 0)
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.NextIndex, "the cut-short position is resumed, not skipped")
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Silent)
	assert.Zero(t, stats.Stalled)
	assert.Zero(t, stats.Reissued)

	require.NotEmpty(t, saved)
	assert.Equal(t, 1, saved[len(saved)-1].NextIndex)
}

func TestRunRespectsShutdownBeforeStart(t *testing.T) {
	shutdown := &flag{}
	shutdown.set.Store(true)
	engine := testharness.NewFakeEngine()
	loop := newLoop(t, engine, shutdown)

	stats, err := loop.Run(context.Background(), []string{"P1"}, 0)
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.Empty(t, engine.Trace())
}

func TestRunResumesFromIndex(t *testing.T) {
	engine := testharness.NewFakeEngine()
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2", "P3"}, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"position fen P3"}, engine.Sent(protocol.VerbPosition))
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 3, stats.NextIndex)
}

func TestRunRejectsBadStart(t *testing.T) {
	loop := newLoop(t, testharness.NewFakeEngine(), nil)

	_, err := loop.Run(context.Background(), []string{"P1"}, 2)
	assert.Error(t, err)
}

func TestRunRestartFailureIsFatal(t *testing.T) {
	startErr := errors.New("spawn failed")

	engine := testharness.NewFakeEngine()
	engine.Replies["P1"] = []testharness.Reply{{Crash: true}}
	engine.RestartErr = startErr
	loop := newLoop(t, engine, nil)

	stats, err := loop.Run(context.Background(), []string{"P1", "P2"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, startErr)
	assert.Contains(t, err.Error(), "position 0")
	assert.Zero(t, stats.Processed)
	assert.Empty(t, engine.QuitTimeouts())
}

func TestRunProgressAndCheckpoints(t *testing.T) {
	engine := testharness.NewFakeEngine()
	loop := newLoop(t, engine, nil)

	progress := &recordingProgress{}
	loop.SetProgress(progress, 2)

	var checkpoints []int
	loop.SetCheckpoint(func(s generator.Stats) {
		checkpoints = append(checkpoints, s.NextIndex)
	}, 2)

	var seen []int
	loop.SetPositionHook(func(index int, fen string) {
		seen = append(seen, index)
	})

	_, err := loop.Run(context.Background(), []string{"A", "B", "C", "D", "E"}, 0)
	require.NoError(t, err)

	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress.renders)
	assert.True(t, progress.finished)
	assert.Equal(t, []int{2, 4, 5}, checkpoints)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestStatsSkipped(t *testing.T) {
	s := generator.Stats{Processed: 10, Completed: 7}
	assert.Equal(t, 3, s.Skipped())
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
