package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iambrandonn/evalgen/internal/driver"
	"github.com/iambrandonn/evalgen/internal/supervisor"
)

// Analyzer runs one position's request/response cycle
type Analyzer interface {
	Analyze(ctx context.Context, fen string) (driver.Result, error)
}

// Engine is the part of the supervisor the loop drives directly
type Engine interface {
	IsAlive() bool
	Restart(ctx context.Context) error
	Quit(ctx context.Context, timeout time.Duration) error
}

// ShutdownSignal reports whether a shutdown has been requested
type ShutdownSignal interface {
	Requested() bool
}

// ProgressRenderer draws the progress side-channel
type ProgressRenderer interface {
	Render(done, total int)
	Finish()
}

// Stats summarises a run. Counters cover only positions processed by this
// Loop; NextIndex is absolute within the input.
type Stats struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Recovered  int `json:"recovered"`
	Stalled    int `json:"stalled"`
	Silent     int `json:"silent"`
	Unexpected int `json:"unexpected"`
	Lost       int `json:"lost"`
	Reissued   int `json:"reissued"`
	GoResends  int `json:"go_resends"`
	// PositionSends counts every position command written, resends included.
	PositionSends int  `json:"position_sends"`
	NextIndex     int  `json:"next_index"`
	Interrupted   bool `json:"interrupted"`
}

// Skipped returns how many positions did not complete
func (s Stats) Skipped() int {
	return s.Processed - s.Completed
}

func (s *Stats) record(res driver.Result) {
	switch res.Outcome {
	case driver.OutcomeCompleted:
		s.Completed++
	case driver.OutcomeRecovered:
		s.Recovered++
	case driver.OutcomeStalled:
		s.Stalled++
	case driver.OutcomeSilent:
		s.Silent++
	case driver.OutcomeUnexpected:
		s.Unexpected++
	case driver.OutcomeEngineLost:
		s.Lost++
	}
}

// Loop feeds positions to the engine in input order
type Loop struct {
	driver   Analyzer
	engine   Engine
	shutdown ShutdownSignal
	logger   *slog.Logger

	progress      ProgressRenderer
	progressEvery int

	checkpoint      func(Stats)
	checkpointEvery int

	onPosition func(index int, fen string)
}

// New creates a loop. shutdown may be nil.
func New(d Analyzer, engine Engine, shutdown ShutdownSignal, logger *slog.Logger) *Loop {
	return &Loop{
		driver:   d,
		engine:   engine,
		shutdown: shutdown,
		logger:   logger,
	}
}

// SetProgress renders progress every n processed positions
func (l *Loop) SetProgress(r ProgressRenderer, every int) {
	if every <= 0 {
		every = 1
	}
	l.progress = r
	l.progressEvery = every
}

// SetCheckpoint calls fn every n processed positions and once more when
// the loop returns
func (l *Loop) SetCheckpoint(fn func(Stats), every int) {
	if every <= 0 {
		every = 1
	}
	l.checkpoint = fn
	l.checkpointEvery = every
}

// SetPositionHook calls fn before each position's cycle, re-issues included
func (l *Loop) SetPositionHook(fn func(index int, fen string)) {
	l.onPosition = fn
}

// Run processes positions[start:]. On normal completion it sends quit and
// waits for the engine to exit. A shutdown request stops the loop before
// the next position and is not an error.
func (l *Loop) Run(ctx context.Context, positions []string, start int) (Stats, error) {
	if start < 0 || start > len(positions) {
		return Stats{}, fmt.Errorf("start index %d out of range [0, %d]", start, len(positions))
	}

	stats := Stats{Total: len(positions), NextIndex: start}
	defer func() {
		if l.checkpoint != nil {
			l.checkpoint(stats)
		}
	}()

	l.logger.Info("generation started",
		"positions", len(positions),
		"start", start)

	for i := start; i < len(positions); i++ {
		if l.requested() {
			l.logger.Info("shutdown requested, not starting next position", "index", i)
			stats.Interrupted = true
			return stats, nil
		}

		res, err := l.cycle(ctx, i, positions[i], &stats)
		if err != nil {
			if l.requested() && errors.Is(err, supervisor.ErrStopped) {
				l.logger.Info("engine stopped by shutdown", "index", i)
				stats.Interrupted = true
				return stats, nil
			}
			return stats, fmt.Errorf("position %d: %w", i, err)
		}
		if l.requested() && !answered(res) {
			// The shutdown cut this cycle short; leave the position for
			// the resumed run.
			l.logger.Info("position interrupted by shutdown", "index", i, "outcome", res.Outcome)
			stats.Interrupted = true
			return stats, nil
		}

		stats.record(res)
		stats.Processed++
		stats.NextIndex = i + 1

		if l.progress != nil && stats.Processed%l.progressEvery == 0 {
			l.progress.Render(stats.NextIndex, stats.Total)
		}
		if l.checkpoint != nil && stats.Processed%l.checkpointEvery == 0 {
			l.checkpoint(stats)
		}
	}

	if l.progress != nil {
		l.progress.Render(stats.NextIndex, stats.Total)
		l.progress.Finish()
	}

	if l.requested() {
		stats.Interrupted = true
		return stats, nil
	}

	l.logger.Info("all positions processed, stopping engine")
	if err := l.engine.Quit(ctx, 0); err != nil {
		return stats, fmt.Errorf("failed to stop engine: %w", err)
	}

	return stats, nil
}

// cycle runs the driver for one position and re-issues it once if the
// engine was lost along the way
func (l *Loop) cycle(ctx context.Context, index int, fen string, stats *Stats) (driver.Result, error) {
	res, err := l.analyze(ctx, index, fen, stats)
	if err != nil || !l.needsReissue(res) {
		return res, err
	}

	if l.requested() {
		return res, nil
	}

	if !l.engine.IsAlive() {
		l.logger.Warn("engine died during position, restarting",
			"index", index,
			"position", fen,
			"outcome", res.Outcome)
		if err := l.engine.Restart(ctx); err != nil {
			return res, err
		}
	}

	l.logger.Info("re-issuing position", "index", index, "position", fen)
	stats.Reissued++
	return l.analyze(ctx, index, fen, stats)
}

func (l *Loop) analyze(ctx context.Context, index int, fen string, stats *Stats) (driver.Result, error) {
	if l.onPosition != nil {
		l.onPosition(index, fen)
	}

	res, err := l.driver.Analyze(ctx, fen)
	stats.PositionSends += res.PositionSends
	stats.GoResends += res.GoResends()
	if err != nil {
		return res, err
	}

	l.logger.Debug("position done",
		"index", index,
		"outcome", res.Outcome,
		"go_sends", res.GoSends)
	return res, nil
}

// answered reports whether the engine gave a final reply for the position
func answered(res driver.Result) bool {
	return res.Outcome == driver.OutcomeCompleted || res.Outcome == driver.OutcomeRecovered
}

func (l *Loop) needsReissue(res driver.Result) bool {
	if res.Outcome == driver.OutcomeEngineLost {
		return true
	}
	return res.Outcome != driver.OutcomeCompleted && !l.engine.IsAlive()
}

func (l *Loop) requested() bool {
	return l.shutdown != nil && l.shutdown.Requested()
}
