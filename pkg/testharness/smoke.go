package testharness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/evalgen/internal/config"
	"github.com/iambrandonn/evalgen/internal/fsutil"
	"github.com/iambrandonn/evalgen/internal/runstate"
)

// Scenario defines a deterministic smoke-test run against the mock engine.
type Scenario struct {
	Name       string
	Positions  []string
	EngineArgs []string
	// GoTimeoutMs overrides the go timeout when non-zero.
	GoTimeoutMs int
	// ShutdownMs overrides the shutdown timeout when non-zero.
	ShutdownMs int
	// InterruptAfter sends SIGINT to evalgen after this long when non-zero.
	InterruptAfter time.Duration
}

// SmokePositions is a small set of legal positions shared by the scenarios.
var SmokePositions = []string{
	"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
	"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1",
	"rnbqkbnr/pp1ppppp/8/2p5/4P3/8/PPPP1PPP/RNBQKBNR w KQkq c6 0 2",
	"r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 2 3",
	"8/8/8/8/8/8/8/K6k w - - 0 1",
}

var (
	// ScenarioSimpleSuccess runs every position against a healthy engine.
	ScenarioSimpleSuccess = Scenario{
		Name:      "simple-success",
		Positions: SmokePositions,
	}
	// ScenarioEngineCrash has the engine exit on every second go it receives.
	ScenarioEngineCrash = Scenario{
		Name:        "engine-crash",
		Positions:   SmokePositions,
		EngineArgs:  []string{"-mode", "crash-on-go", "-crash-after", "2"},
		GoTimeoutMs: 300,
	}
	// ScenarioInterrupt stops a run that would otherwise never finish.
	ScenarioInterrupt = Scenario{
		Name:           "interrupt",
		Positions:      SmokePositions,
		EngineArgs:     []string{"-mode", "silent", "-ignore-quit"},
		GoTimeoutMs:    200,
		ShutdownMs:     500,
		InterruptAfter: time.Second,
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario         Scenario
	EvalgenBinary    string
	MockEngineBinary string
	WorkspaceDir     string
	Env              map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario       Scenario
	Workspace      string
	Stdout         string
	Stderr         string
	RunErr         error
	RunState       *runstate.RunState
	ConfigPath     string
	TranscriptPath string
	// RecordPath holds every command the mock engine received.
	RecordPath string
}

// RunSmoke executes a smoke scenario using the provided binaries.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.EvalgenBinary == "" {
		return nil, fmt.Errorf("evalgen binary path is required")
	}
	if opts.MockEngineBinary == "" {
		return nil, fmt.Errorf("mockengine binary path is required")
	}
	if len(opts.Scenario.Positions) == 0 {
		return nil, fmt.Errorf("scenario %s has no positions", opts.Scenario.Name)
	}

	workspace := opts.WorkspaceDir
	var err error
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "evalgen-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else {
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	positionsPath := filepath.Join(workspace, "positions.txt")
	if err := fsutil.AtomicWrite(positionsPath, []byte(strings.Join(opts.Scenario.Positions, "\n")+"\n")); err != nil {
		return nil, fmt.Errorf("failed to write positions: %w", err)
	}

	recordPath := filepath.Join(workspace, "engine-record.txt")
	transcriptPath := filepath.Join(workspace, "transcript.ndjson")

	cfg := config.GenerateDefault()
	cfg.Engine.Cmd = append([]string{opts.MockEngineBinary, "-record", recordPath}, opts.Scenario.EngineArgs...)
	cfg.Search.Depth = 6
	cfg.StateDir = filepath.Join(workspace, ".evalgen")
	cfg.Transcript = transcriptPath
	cfg.CheckpointEvery = 1
	if opts.Scenario.GoTimeoutMs > 0 {
		cfg.Timeouts.GoMs = opts.Scenario.GoTimeoutMs
	}
	if opts.Scenario.ShutdownMs > 0 {
		cfg.Timeouts.ShutdownMs = opts.Scenario.ShutdownMs
	}

	configPath := filepath.Join(workspace, "evalgen-smoke.json")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, opts.EvalgenBinary, "run", "--config", configPath, positionsPath)
	cmd.Dir = workspace
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	runErr := runCommand(cmd, opts.Scenario.InterruptAfter)

	result := &SmokeResult{
		Scenario:       opts.Scenario,
		Workspace:      workspace,
		Stdout:         stdOut.String(),
		Stderr:         stdErr.String(),
		RunErr:         runErr,
		ConfigPath:     configPath,
		TranscriptPath: transcriptPath,
		RecordPath:     recordPath,
	}

	if st, err := runstate.LoadRunState(runstate.GetRunStatePath(cfg.StateDir)); err == nil {
		result.RunState = st
	}

	return result, nil
}

// runCommand runs cmd, interrupting it after the given delay when non-zero
func runCommand(cmd *exec.Cmd, interruptAfter time.Duration) error {
	if interruptAfter <= 0 {
		return cmd.Run()
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	timer := time.AfterFunc(interruptAfter, func() {
		_ = cmd.Process.Signal(syscall.SIGINT)
	})
	defer timer.Stop()

	return cmd.Wait()
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	path, err := fsutil.FindUp(".", "go.mod")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("go.mod not found: %w", err)
		}
		return "", fmt.Errorf("failed to locate repo root: %w", err)
	}
	return filepath.Dir(path), nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
