package linechan

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MaxLineSize is the longest engine line the reader accepts (1 MiB)
const MaxLineSize = 1024 * 1024

// lineBuffer bounds how many unread lines are queued before the reader blocks
const lineBuffer = 256

// Channel is a line-oriented view over a child process's stdin and
// merged stdout/stderr.
//
// Writes go straight to the pipe. Reads are served from a queue filled by a
// background goroutine, so ReadLine can give up after a timeout without
// losing the line that arrives later; it is returned by the next read.
type Channel struct {
	w      io.Writer
	r      io.ReadCloser
	logger *slog.Logger

	lines  chan string
	closed chan struct{}

	closeOnce sync.Once
}

// New starts reading r in the background and returns the channel
func New(w io.Writer, r io.ReadCloser, logger *slog.Logger) *Channel {
	c := &Channel{
		w:      w,
		r:      r,
		logger: logger,
		lines:  make(chan string, lineBuffer),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Write sends cmd followed by a newline
func (c *Channel) Write(cmd string) error {
	if _, err := io.WriteString(c.w, cmd+"\n"); err != nil {
		return fmt.Errorf("failed to write %q: %w", cmd, err)
	}
	return nil
}

// ReadLine waits up to timeout for the next line. It returns false on
// timeout and once the stream has ended. A non-positive timeout polls.
func (c *Channel) ReadLine(timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		select {
		case line, ok := <-c.lines:
			return line, ok
		default:
			return "", false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-c.lines:
		return line, ok
	case <-timer.C:
		return "", false
	}
}

// Close stops the reader and closes the read side of the pipe
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.r.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.lines)

	reader := bufio.NewReaderSize(c.r, 4096)
	for {
		raw, err := c.readRaw(reader)
		if raw != nil {
			select {
			case c.lines <- strings.TrimSpace(string(raw)):
			case <-c.closed:
				return
			}
		}
		if err == nil {
			continue
		}

		if !errors.Is(err, io.EOF) {
			select {
			case <-c.closed:
				// Read errors after Close are expected.
			default:
				c.logger.Warn("engine output read failed", "error", err)
			}
		}
		return
	}
}

// readRaw returns the next line without its newline. A line longer than
// MaxLineSize is consumed and dropped, and the result is nil. A final line with
// no newline is returned together with io.EOF.
func (c *Channel) readRaw(reader *bufio.Reader) ([]byte, error) {
	var buf []byte
	dropped := 0
	for {
		chunk, err := reader.ReadSlice('\n')
		switch {
		case dropped > 0:
			dropped += len(chunk)
		case len(buf)+len(chunk) > MaxLineSize:
			dropped = len(buf) + len(chunk)
			buf = nil
		default:
			buf = append(buf, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if dropped > 0 {
			c.logger.Warn("engine line too long, dropped", "bytes", dropped, "limit", MaxLineSize)
			if err == nil {
				return nil, nil
			}
			return nil, err
		}
		if err != nil && len(buf) == 0 {
			return nil, err
		}
		return bytes.TrimSuffix(buf, []byte("\n")), err
	}
}
