package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultWidth is used when the output is not a terminal
const DefaultWidth = 80

const glyph = "█"

// Bar draws a single-line progress bar that redraws in place with \r
type Bar struct {
	out   io.Writer
	width int

	mu       sync.Mutex
	last     int
	rendered bool
}

// New creates a bar on out. A non-positive width is taken from the
// terminal when out is one, else DefaultWidth.
func New(out io.Writer, width int) *Bar {
	if width <= 0 {
		width = terminalWidth(out)
	}
	return &Bar{out: out, width: width, last: -1}
}

// Render draws the bar for done out of total. Repeated calls with the same
// percentage are skipped.
func (b *Bar) Render(done, total int) {
	if total <= 0 {
		return
	}

	pct := min(max(100*done/total, 0), 100)

	b.mu.Lock()
	defer b.mu.Unlock()

	if pct == b.last {
		return
	}
	b.last = pct
	b.rendered = true
	fmt.Fprint(b.out, Line(pct, b.width))
}

// Finish moves past the bar so later output starts on a fresh line
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rendered {
		fmt.Fprintln(b.out)
		b.rendered = false
	}
}

// Line returns the bar for pct at the given width: glyphs filling pct of
// the width less the suffix, at least one, then " NN%\r"
func Line(pct, width int) string {
	suffix := fmt.Sprintf(" %d%%\r", pct)
	bars := max(width*pct/100-len(suffix), 0)
	return strings.Repeat(glyph, bars+1) + suffix
}

func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return DefaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return DefaultWidth
	}
	return width
}
