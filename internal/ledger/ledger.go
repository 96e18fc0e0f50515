package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/iambrandonn/evalgen/internal/eventlog"
	"github.com/iambrandonn/evalgen/internal/ndjson"
	"github.com/iambrandonn/evalgen/internal/protocol"
)

// Ledger is a transcript read back from disk
type Ledger struct {
	Entries []eventlog.Entry
}

// ReadLedger parses an NDJSON transcript file
func ReadLedger(path string, logger *slog.Logger) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	decoder := ndjson.NewDecoder(file, logger)
	ledger := &Ledger{}
	for {
		var entry eventlog.Entry
		err := decoder.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if entry.Dir != eventlog.DirOut && entry.Dir != eventlog.DirIn {
			return nil, fmt.Errorf("line %d: unknown direction %q", decoder.Line(), entry.Dir)
		}
		ledger.Entries = append(ledger.Entries, entry)
	}

	return ledger, nil
}

// CountSent returns how many outbound commands had the given verb
func (l *Ledger) CountSent(verb string) int {
	n := 0
	for _, e := range l.Entries {
		if e.Dir == eventlog.DirOut && protocol.Command(e.Line).Verb() == verb {
			n++
		}
	}
	return n
}

// CountReceived returns how many inbound lines classify as kind
func (l *Ledger) CountReceived(c *protocol.Classifier, kind protocol.Kind) int {
	n := 0
	for _, e := range l.Entries {
		if e.Dir == eventlog.DirIn && c.Classify(e.Line) == kind {
			n++
		}
	}
	return n
}

// LastIndex returns the highest position index seen, or -1
func (l *Ledger) LastIndex() int {
	last := -1
	for _, e := range l.Entries {
		last = max(last, e.Index)
	}
	return last
}

// GetUnfinished returns the indices of positions that were sent but never
// answered with a success or failure line, in ascending order
func (l *Ledger) GetUnfinished(c *protocol.Classifier) []int {
	sent := map[int]bool{}
	finished := map[int]bool{}

	for _, e := range l.Entries {
		if e.Index < 0 {
			continue
		}
		switch e.Dir {
		case eventlog.DirOut:
			if protocol.Command(e.Line).Verb() == protocol.VerbPosition {
				sent[e.Index] = true
			}
		case eventlog.DirIn:
			switch c.Classify(e.Line) {
			case protocol.KindSuccess, protocol.KindFailure:
				finished[e.Index] = true
			}
		}
	}

	var unfinished []int
	for idx := range sent {
		if !finished[idx] {
			unfinished = append(unfinished, idx)
		}
	}
	sort.Ints(unfinished)
	return unfinished
}
