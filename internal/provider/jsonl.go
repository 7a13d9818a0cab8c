package provider

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/adamavenir/murmur/internal/types"
)

const maxLineBytes = 10 * 1024 * 1024

// scanLines calls fn for each non-empty line of the file at path.
func scanLines(path string, fn func(line []byte) bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return scanReader(file, fn)
}

func scanReader(r io.Reader, fn func(line []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return scanner.Err()
}

// LineParser is implemented by adapters whose artifacts are append-only
// JSONL, so a Tail can parse just the records written since its last read.
type LineParser interface {
	ParseLine(line []byte) (types.SessionEvent, bool)
}

// Tail follows an artifact by byte offset.
type Tail struct {
	path   string
	parser LineParser
	offset int64
}

// NewTail starts reading path from its beginning.
func NewTail(path string, parser LineParser) *Tail {
	return &Tail{path: path, parser: parser}
}

// Next returns records completed since the previous call. A final line
// without its newline is left for a later call. A file that shrank is read
// again from the start.
func (t *Tail) Next() ([]types.SessionEvent, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil, nil
	}
	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}

	var events []types.SessionEvent
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		t.offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if event, ok := t.parser.ParseLine(line); ok {
			events = append(events, event)
		}
	}
}

// fileContains streams the file looking for needle.
func fileContains(path, needle string) (bool, error) {
	found := false
	target := []byte(needle)
	err := scanLines(path, func(line []byte) bool {
		if bytes.Contains(line, target) {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// parseTimestamp accepts RFC3339 strings and unix seconds or millis.
func parseTimestamp(value any) int64 {
	switch v := value.(type) {
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0
		}
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UnixMilli()
		}
	case float64:
		if v > 1e12 {
			return int64(v)
		}
		return int64(v * 1000)
	}
	return 0
}
