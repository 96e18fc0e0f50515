package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the classification of a line read from the engine
type Kind int

const (
	// KindUnknown is any line that matches none of the configured prefixes.
	KindUnknown Kind = iota
	// KindInfo is search progress; the cycle keeps reading.
	KindInfo
	// KindSuccess ends the cycle with a finished search.
	KindSuccess
	// KindFailure ends the cycle; the engine reported a fault on the position.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Markers holds the line prefixes that drive classification.
//
// The engine's wording is the contract here: a change in its error text
// silently turns failures into unknown lines, so the prefixes live in
// configuration instead of being buried in the driver.
type Markers struct {
	Info    string `json:"info_prefix" mapstructure:"info_prefix"`
	Success string `json:"success_prefix" mapstructure:"success_prefix"`
	Failure string `json:"failure_prefix" mapstructure:"failure_prefix"`
}

// DefaultMarkers returns the prefixes the Napoleon engine emits
func DefaultMarkers() Markers {
	return Markers{
		Info:    "info",
		Success: "bestmove",
		Failure: "Position",
	}
}

// ErrInvalidMarkers is returned for empty or ambiguous prefixes
var ErrInvalidMarkers = errors.New("protocol: invalid response markers")

// Validate rejects empty prefixes and prefixes that shadow each other
func (m Markers) Validate() error {
	named := []struct {
		name, prefix string
	}{
		{"info", m.Info},
		{"success", m.Success},
		{"failure", m.Failure},
	}

	for _, n := range named {
		if strings.TrimSpace(n.prefix) == "" {
			return fmt.Errorf("%w: %s prefix is empty", ErrInvalidMarkers, n.name)
		}
	}

	for i := range named {
		for j := range named {
			if i != j && strings.HasPrefix(named[i].prefix, named[j].prefix) {
				return fmt.Errorf("%w: %s prefix %q is shadowed by %s prefix %q",
					ErrInvalidMarkers, named[i].name, named[i].prefix, named[j].name, named[j].prefix)
			}
		}
	}

	return nil
}

// Classifier maps engine lines to a Kind by fixed-prefix match only
type Classifier struct {
	markers Markers
}

// NewClassifier validates the markers and returns a classifier
func NewClassifier(markers Markers) (*Classifier, error) {
	if err := markers.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{markers: markers}, nil
}

// Classify returns the kind of line. Success is checked first, then
// failure, then info.
func (c *Classifier) Classify(line string) Kind {
	switch {
	case strings.HasPrefix(line, c.markers.Success):
		return KindSuccess
	case strings.HasPrefix(line, c.markers.Failure):
		return KindFailure
	case strings.HasPrefix(line, c.markers.Info):
		return KindInfo
	default:
		return KindUnknown
	}
}

// Markers returns the prefixes in use
func (c *Classifier) Markers() Markers {
	return c.markers
}
