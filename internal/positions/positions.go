package positions

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
)

// ZstdExt marks a zstd-compressed positions file
const ZstdExt = ".zst"

const maxLineSize = 64 * 1024

// Load reads every position from path in file order. Files ending in
// .zst are decompressed on the fly.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open positions file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ZstdExt) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	fens, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return fens, nil
}

// Read returns the non-blank lines of r, trimmed, in order
func Read(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lo.FilterMap(lines, func(line string, _ int) (string, bool) {
		fen := strings.TrimSpace(line)
		return fen, fen != ""
	}), nil
}
