package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/iambrandonn/evalgen/internal/checksum"
	"github.com/iambrandonn/evalgen/internal/config"
	"github.com/iambrandonn/evalgen/internal/driver"
	"github.com/iambrandonn/evalgen/internal/eventlog"
	"github.com/iambrandonn/evalgen/internal/generator"
	"github.com/iambrandonn/evalgen/internal/positions"
	"github.com/iambrandonn/evalgen/internal/progress"
	"github.com/iambrandonn/evalgen/internal/protocol"
	"github.com/iambrandonn/evalgen/internal/runstate"
	"github.com/iambrandonn/evalgen/internal/shutdown"
	"github.com/iambrandonn/evalgen/internal/supervisor"
	"github.com/iambrandonn/evalgen/internal/transcript"
)

// StoppedMessage is printed when a run ends because of an interrupt
const StoppedMessage = "Generation stopped."

var errPositionsRequired = errors.New("positions file is required")

var runCmd = &cobra.Command{
	Use:   "run <positions-file>",
	Short: "Analyze every position in a FEN file",
	Long: `Analyze every position in a newline-delimited FEN file (optionally
zstd-compressed, *.zst) in file order. Ctrl-C stops the engine cleanly;
'run --resume' continues where the previous run stopped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

// addRunFlags registers the run flags; unset flags leave the config values alone
func addRunFlags(fs *pflag.FlagSet) {
	fs.StringSlice("engine", nil, "Engine command and arguments (default from config: ../NapoleonPP)")
	fs.IntP("depth", "d", 0, "Search depth for every position (default from config)")
	fs.Bool("progress", false, "Draw a progress bar on stdout")
	fs.Bool("resume", false, "Continue the previous run over the same input")
	fs.String("transcript", "", "Append every engine command and reply to this NDJSON file")
	fs.String("state-dir", "", "Directory for run state (default from config: .evalgen)")
	fs.Int("max-retries", 0, "Times a stalled go command is sent again (default from config: 5)")
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w\n\nUsage: evalgen run <positions-file>", errPositionsRequired)
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if cfgPath != "" {
		logger.Info("loaded configuration", "path", cfgPath)
	}

	resume, err := cmd.Flags().GetBool("resume")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return generate(ctx, cmd.OutOrStdout(), cfg, args[0], resume, logger)
}

// generate runs one generation over inputPath and prints the summary to out
func generate(ctx context.Context, out io.Writer, cfg *config.Config, inputPath string, resume bool, logger *slog.Logger) error {
	fens, err := positions.Load(inputPath)
	if err != nil {
		return err
	}
	logger.Info("positions loaded", "path", inputPath, "count", len(fens))

	classifier, err := protocol.NewClassifier(cfg.Protocol)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	statePath := runstate.GetRunStatePath(cfg.StateDir)

	state, start, err := prepareRunState(statePath, inputPath, fens, cfg.Search.Depth, resume)
	if err != nil {
		return err
	}
	base := state.Counters
	logger.Info("run initialized", "run_id", state.RunID, "start", start, "remaining", state.Remaining())

	sup := supervisor.New(supervisorOptions(cfg), logger.With("component", "supervisor"))

	var evtLog *eventlog.EventLog
	if cfg.Transcript != "" {
		evtLog, err = eventlog.NewEventLog(cfg.Transcript, logger)
		if err != nil {
			return fmt.Errorf("failed to create transcript: %w", err)
		}
		defer evtLog.Close()
		sup.SetObserver(evtLog)
	}

	// Signals are handled from here on, so an interrupt during the
	// handshake still reaches the engine as quit.
	ctl := shutdown.NewController(sup, cfg.Timeouts.Shutdown(), logger)
	stopSignals := ctl.Watch(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := sup.Start(ctx); err != nil {
		if ctl.Requested() {
			logger.Info("interrupted while starting engine", "error", err)
			if err := stopSignals(); err != nil {
				logger.Warn("engine shutdown failed", "error", err)
			}
			state.MarkInterrupted()
			saveState(state, statePath, logger)
			fmt.Fprintln(out, StoppedMessage)
			fmt.Fprintln(out, transcript.NewFormatter().FormatSummary(state.Counters, len(fens), 0))
			return nil
		}
		state.MarkFailed()
		saveState(state, statePath, logger)
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer sup.Stop(context.Background())

	drv := driver.New(sup, driver.Config{
		Depth:           cfg.Search.Depth,
		GoTimeout:       cfg.Timeouts.Go(),
		ResponseTimeout: cfg.Timeouts.Response(),
		MaxRetries:      cfg.Retry.MaxGoResends,
		Classifier:      classifier,
	}, logger)

	loop := generator.New(drv, sup, ctl, logger)
	if cfg.Progress.Enabled {
		loop.SetProgress(progress.New(out, 0), cfg.Progress.Every)
	}
	loop.SetCheckpoint(func(s generator.Stats) {
		state.Checkpoint(s.NextIndex, base.Add(countersFromStats(s, sup.Restarts())))
		saveState(state, statePath, logger)
	}, cfg.CheckpointEvery)
	if evtLog != nil {
		loop.SetPositionHook(func(index int, _ string) {
			evtLog.SetIndex(index)
		})
	}

	started := time.Now()
	stats, err := loop.Run(ctx, fens, start)
	if stopErr := stopSignals(); err == nil && stopErr != nil {
		err = fmt.Errorf("engine shutdown failed: %w", stopErr)
	}
	elapsed := time.Since(started)

	switch {
	case err != nil:
		state.MarkFailed()
		saveState(state, statePath, logger)
		return err
	case stats.Interrupted:
		state.MarkInterrupted()
		saveState(state, statePath, logger)
		fmt.Fprintln(out, StoppedMessage)
	default:
		state.MarkCompleted()
		saveState(state, statePath, logger)
	}

	fmt.Fprintln(out, transcript.NewFormatter().FormatSummary(state.Counters, len(fens), elapsed))
	logger.Info("run finished", "run_id", state.RunID, "status", state.Status)
	return nil
}

func prepareRunState(statePath, inputPath string, fens []string, depth int, resume bool) (*runstate.RunState, int, error) {
	if !resume {
		state := runstate.NewRunState(newRunID(), inputPath, checksum.Lines(fens), depth, len(fens))
		if err := runstate.SaveRunState(state, statePath); err != nil {
			return nil, 0, fmt.Errorf("failed to save run state: %w", err)
		}
		return state, 0, nil
	}

	state, err := runstate.LoadRunState(statePath)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot resume: %w", err)
	}

	start, err := state.ResumeIndex(fens, depth)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot resume: %w", err)
	}

	state.Resume()
	if err := runstate.SaveRunState(state, statePath); err != nil {
		return nil, 0, fmt.Errorf("failed to save run state: %w", err)
	}
	return state, start, nil
}

func supervisorOptions(cfg *config.Config) supervisor.Options {
	opts := supervisor.Options{
		Cmd:              cfg.Engine.Cmd,
		Env:              cfg.Engine.Env,
		HandshakeTimeout: cfg.Timeouts.Handshake(),
		TerminateTimeout: cfg.Timeouts.Terminate(),
	}
	if cfg.Search.RecordOption != "" {
		opts.InitCommands = []protocol.Command{protocol.SetOption(cfg.Search.RecordOption)}
	}
	return opts
}

func countersFromStats(s generator.Stats, restarts int) runstate.Counters {
	return runstate.Counters{
		Processed:  s.Processed,
		Completed:  s.Completed,
		Recovered:  s.Recovered,
		Stalled:    s.Stalled,
		Silent:     s.Silent,
		Unexpected: s.Unexpected,
		Lost:       s.Lost,
		Reissued:   s.Reissued,
		GoResends:  s.GoResends,
		Restarts:   restarts,
	}
}

func saveState(state *runstate.RunState, path string, logger *slog.Logger) {
	if err := runstate.SaveRunState(state, path); err != nil {
		logger.Warn("failed to save run state", "error", err)
	}
}

func newRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
