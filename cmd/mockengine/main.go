package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	mode := flag.String("mode", "ok", "Response mode (ok, silent, crash-on-go, fail, garbage, info-then-silent)")
	infoLines := flag.Int("info", 2, "Number of info lines printed before bestmove")
	crashAfter := flag.Int("crash-after", 1, "In crash-on-go mode, exit on this go command (counted per process)")
	failFEN := flag.String("fail-fen", "", "Report a failure for this FEN only, answer the rest normally")
	ignoreQuit := flag.Bool("ignore-quit", false, "Ignore quit and SIGTERM")
	noBanner := flag.Bool("no-banner", false, "Do not print the startup line")
	recordPath := flag.String("record", "", "Append every received command to this file")
	logPath := flag.String("log", "", "Diagnostics log file (stderr is part of the protocol stream)")
	flag.Parse()

	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			defer f.Close()
			logOut = f
		}
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if *ignoreQuit {
		signal.Ignore(syscall.SIGTERM)
	}

	engine := &MockEngine{
		mode:       *mode,
		infoLines:  *infoLines,
		crashAfter: *crashAfter,
		failFEN:    *failFEN,
		ignoreQuit: *ignoreQuit,
		out:        os.Stdout,
		logger:     logger,
	}

	if *recordPath != "" {
		f, err := os.OpenFile(*recordPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			logger.Error("failed to open record file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		engine.record = f
		fmt.Fprintf(f, "# start %d\n", os.Getpid())
	}

	if !*noBanner {
		fmt.Fprintln(os.Stdout, "NapoleonPP mock engine")
	}

	code := engine.Run(os.Stdin)
	logger.Info("mock engine exiting", "code", code)
	os.Exit(code)
}

// MockEngine answers the evalgen line protocol for tests
type MockEngine struct {
	mode       string
	infoLines  int
	crashAfter int
	failFEN    string
	ignoreQuit bool

	out    io.Writer
	record io.Writer
	logger *slog.Logger

	fen     string
	goCount int
}

// Run processes commands until quit or end of input and returns the exit code
func (e *MockEngine) Run(in io.Reader) int {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if e.record != nil {
			fmt.Fprintln(e.record, line)
		}
		e.logger.Debug("received", "line", line)

		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "quit":
			if e.ignoreQuit {
				continue
			}
			return 0
		case "setoption":
			// Record mode is accepted silently.
		case "position":
			e.fen = strings.TrimPrefix(rest, "fen ")
		case "go":
			e.goCount++
			if code, exit := e.respond(); exit {
				return code
			}
		default:
			fmt.Fprintf(e.out, "Unknown command: %s\n", line)
		}
	}
	return 0
}

func (e *MockEngine) respond() (int, bool) {
	if e.failFEN != "" {
		if e.fen == e.failFEN {
			fmt.Fprintf(e.out, "Position %s is invalid\n", e.fen)
			return 0, false
		}
		e.bestmove()
		return 0, false
	}

	switch e.mode {
	case "silent":
	case "crash-on-go":
		if e.goCount >= e.crashAfter {
			return 3, true
		}
		e.bestmove()
	case "fail":
		fmt.Fprintf(e.out, "Position %s is invalid\n", e.fen)
	case "garbage":
		fmt.Fprintln(e.out, "readyok?")
	case "info-then-silent":
		e.info()
	default:
		e.bestmove()
	}
	return 0, false
}

func (e *MockEngine) info() {
	for i := 1; i <= e.infoLines; i++ {
		fmt.Fprintf(e.out, "info depth %d score cp %d pv e2e4\n", i, 10*i)
	}
}

func (e *MockEngine) bestmove() {
	e.info()
	fmt.Fprintln(e.out, "bestmove e2e4")
}
