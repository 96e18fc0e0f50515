package protocol

import (
	"errors"
	"testing"
)

func TestCommandBuilders(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
		verb string
	}{
		{
			name: "position",
			cmd:  PositionFEN("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"),
			want: "position fen rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
			verb: VerbPosition,
		},
		{
			name: "go",
			cmd:  GoDepth(12),
			want: "go depth 12",
			verb: VerbGo,
		},
		{
			name: "setoption",
			cmd:  SetOption(RecordOption),
			want: "setoption Record",
			verb: VerbSetOption,
		},
		{
			name: "quit",
			cmd:  Quit(),
			want: "quit",
			verb: VerbQuit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.cmd.Verb(); got != tt.verb {
				t.Errorf("Verb() = %q, want %q", got, tt.verb)
			}
		})
	}
}

func TestClassifierDefaultMarkers(t *testing.T) {
	c, err := NewClassifier(DefaultMarkers())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	tests := []struct {
		line string
		want Kind
	}{
		{"bestmove e2e4 ponder e7e5", KindSuccess},
		{"bestmove", KindSuccess},
		{"Position 8/8/8/8/8/8/8/8 w - - 0 1 is invalid", KindFailure},
		{"info depth 3 score cp 21 pv e2e4", KindInfo},
		{"info", KindInfo},
		{"readyok", KindUnknown},
		{"", KindUnknown},
		{" bestmove e2e4", KindUnknown},
		{"position fen x", KindUnknown},
	}

	for _, tt := range tests {
		if got := c.Classify(tt.line); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestClassifierCustomMarkers(t *testing.T) {
	c, err := NewClassifier(Markers{Info: "progress", Success: "done", Failure: "error"})
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	if got := c.Classify("error: bad fen"); got != KindFailure {
		t.Errorf("Classify(error) = %s, want failure", got)
	}
	if got := c.Classify("Position is bad"); got != KindUnknown {
		t.Errorf("default failure prefix should not match custom markers, got %s", got)
	}
	if got := c.Markers().Success; got != "done" {
		t.Errorf("Markers().Success = %q, want done", got)
	}
}

func TestMarkersValidate(t *testing.T) {
	tests := []struct {
		name    string
		markers Markers
		wantErr bool
	}{
		{"defaults", DefaultMarkers(), false},
		{"empty info", Markers{Success: "bestmove", Failure: "Position"}, true},
		{"blank success", Markers{Info: "info", Success: "  ", Failure: "Position"}, true},
		{"shadowed", Markers{Info: "info", Success: "best", Failure: "bestmove failed"}, true},
		{"duplicate", Markers{Info: "info", Success: "info", Failure: "Position"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.markers.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidMarkers) {
					t.Errorf("error %v does not wrap ErrInvalidMarkers", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	if KindSuccess.String() != "success" || KindUnknown.String() != "unknown" {
		t.Errorf("unexpected kind names: %s %s", KindSuccess, KindUnknown)
	}
}
