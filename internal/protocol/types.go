package protocol

import (
	"fmt"
	"strings"
)

// Command is a single outbound line sent to the engine
type Command string

const (
	// VerbPosition sets the position the next search runs on.
	VerbPosition = "position"
	// VerbGo starts a fixed-depth search on the current position.
	VerbGo = "go"
	// VerbSetOption toggles an engine option.
	VerbSetOption = "setoption"
	// VerbQuit asks the engine to exit.
	VerbQuit = "quit"
)

// RecordOption is the engine option that makes it persist its own evaluations.
const RecordOption = "Record"

// PositionFEN builds "position fen <FEN>"
func PositionFEN(fen string) Command {
	return Command(fmt.Sprintf("%s fen %s", VerbPosition, fen))
}

// GoDepth builds "go depth <D>"
func GoDepth(depth int) Command {
	return Command(fmt.Sprintf("%s depth %d", VerbGo, depth))
}

// SetOption builds "setoption <name>"
func SetOption(name string) Command {
	return Command(fmt.Sprintf("%s %s", VerbSetOption, name))
}

// Quit builds "quit"
func Quit() Command {
	return Command(VerbQuit)
}

// String returns the command line without the trailing newline
func (c Command) String() string {
	return string(c)
}

// Verb returns the first word of the command
func (c Command) Verb() string {
	verb, _, _ := strings.Cut(string(c), " ")
	return verb
}
