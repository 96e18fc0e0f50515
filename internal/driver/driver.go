package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/iambrandonn/evalgen/internal/protocol"
	"github.com/iambrandonn/evalgen/internal/supervisor"
)

// Engine is the slice of the supervisor the driver needs
type Engine interface {
	Send(ctx context.Context, cmd protocol.Command) error
	ReadLine(timeout time.Duration) (string, bool)
	IsAlive() bool
	Restart(ctx context.Context) error
}

// Outcome is how one position's cycle ended
type Outcome string

const (
	// OutcomeCompleted: the engine answered with a success line.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRecovered: the engine reported a failure and was restarted.
	OutcomeRecovered Outcome = "recovered"
	// OutcomeStalled: go was never answered within the resend budget.
	OutcomeStalled Outcome = "stalled"
	// OutcomeSilent: the engine stopped talking after info lines.
	OutcomeSilent Outcome = "silent"
	// OutcomeUnexpected: a line matched none of the markers.
	OutcomeUnexpected Outcome = "unexpected"
	// OutcomeEngineLost: a command was lost to a restart; the position
	// should be issued again.
	OutcomeEngineLost Outcome = "engine_lost"
)

// Result describes one cycle
type Result struct {
	Outcome Outcome
	// Line is the line that ended the cycle, if any.
	Line string
	// PositionSends counts "position" commands written for this cycle.
	PositionSends int
	// GoSends counts "go" commands written, including resends.
	GoSends int
}

// GoResends returns how many times go was sent again after a timeout
func (r Result) GoResends() int {
	if r.GoSends == 0 {
		return 0
	}
	return r.GoSends - 1
}

// Config holds the per-cycle protocol parameters
type Config struct {
	Depth int
	// GoTimeout bounds the wait for the first line after go.
	GoTimeout time.Duration
	// ResponseTimeout bounds each later read.
	ResponseTimeout time.Duration
	// MaxRetries is how many times go is resent after a timeout.
	MaxRetries int
	Classifier *protocol.Classifier
}

var (
	errNoResponse = errors.New("no response to go")
	errEngineLost = errors.New("engine lost during cycle")
)

// Driver runs the request/response cycle for one position at a time
type Driver struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// New creates a driver
func New(engine Engine, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		engine: engine,
		cfg:    cfg,
		logger: logger,
	}
}

// Analyze submits fen and consumes the engine's answer. Only fatal
// problems (the engine cannot be restarted, ctx done) are returned as
// errors; everything else is reported through Result.Outcome.
func (d *Driver) Analyze(ctx context.Context, fen string) (Result, error) {
	var res Result

	position := protocol.PositionFEN(fen)

	res.PositionSends++
	if lost, err := d.send(ctx, position); err != nil || lost {
		return d.lost(res, err)
	}

	if !d.engine.IsAlive() {
		d.logger.Warn("engine exited after position, restarting", "position", fen)
		if err := d.engine.Restart(ctx); err != nil {
			return res, err
		}
		res.PositionSends++
		if lost, err := d.send(ctx, position); err != nil || lost {
			return d.lost(res, err)
		}
	}

	line, err := d.awaitFirstLine(ctx, fen, &res)
	switch {
	case err == nil:
	case errors.Is(err, errEngineLost):
		res.Outcome = OutcomeEngineLost
		return res, nil
	case errors.Is(err, errNoResponse):
		d.logger.Warn("engine never answered go, skipping position",
			"position", fen,
			"attempts", res.GoSends)
		res.Outcome = OutcomeStalled
		return res, nil
	default:
		return res, err
	}

	return d.consume(ctx, fen, line, res)
}

// awaitFirstLine sends go and waits for the first answer, resending go on
// each timeout until the retry budget is spent.
func (d *Driver) awaitFirstLine(ctx context.Context, fen string, res *Result) (string, error) {
	goCmd := protocol.GoDepth(d.cfg.Depth)
	attempts := uint(d.cfg.MaxRetries) + 1

	var line string
	err := retry.Do(
		func() error {
			res.GoSends++
			lost, err := d.send(ctx, goCmd)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if lost {
				return retry.Unrecoverable(errEngineLost)
			}

			l, ok := d.engine.ReadLine(d.cfg.GoTimeout)
			if !ok {
				return errNoResponse
			}
			line = l
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < attempts {
				d.logger.Info("sending go command again",
					"position", fen,
					"attempt", n+2,
					"error", err)
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, errEngineLost) {
			return "", ctxErr
		}
		return "", err
	}
	return line, nil
}

// consume classifies lines until the cycle ends
func (d *Driver) consume(ctx context.Context, fen, line string, res Result) (Result, error) {
	for {
		switch d.cfg.Classifier.Classify(line) {
		case protocol.KindSuccess:
			res.Outcome = OutcomeCompleted
			res.Line = line
			return res, nil

		case protocol.KindFailure:
			d.logger.Warn("engine failed on position", "position", fen, "line", line)
			res.Line = line
			if err := d.engine.Restart(ctx); err != nil {
				return res, err
			}
			res.Outcome = OutcomeRecovered
			return res, nil

		case protocol.KindInfo:
			next, ok := d.engine.ReadLine(d.cfg.ResponseTimeout)
			if !ok {
				d.logger.Warn("unexpected output: engine went silent",
					"position", fen,
					"last_line", line,
					"timeout", d.cfg.ResponseTimeout)
				res.Outcome = OutcomeSilent
				res.Line = line
				return res, nil
			}
			line = next

		default:
			d.logger.Warn("unexpected output", "position", fen, "line", line)
			res.Outcome = OutcomeUnexpected
			res.Line = line
			return res, nil
		}
	}
}

// send writes cmd; lost reports a write failure that restarted the engine
func (d *Driver) send(ctx context.Context, cmd protocol.Command) (lost bool, err error) {
	err = d.engine.Send(ctx, cmd)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, supervisor.ErrEngineRestarted) {
		d.logger.Warn("command lost to engine restart", "command", cmd.String())
		return true, nil
	}
	return false, fmt.Errorf("failed to send %q: %w", cmd.String(), err)
}

func (d *Driver) lost(res Result, err error) (Result, error) {
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeEngineLost
	return res, nil
}
