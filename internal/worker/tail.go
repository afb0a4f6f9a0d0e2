package worker

import (
	"bytes"
	"io"
	"os"
)

const (
	tailMaxLines = 100
	tailMaxBytes = 64 << 10
)

// readTail returns at most the last maxLines lines of path, reading no more
// than maxBytes from its end. A line cut by the byte bound is dropped.
func readTail(path string, maxLines int, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	if offset > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	buf = bytes.TrimRight(buf, "\n")
	if len(buf) == 0 {
		return "", nil
	}
	lines := bytes.Split(buf, []byte("\n"))
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return string(bytes.Join(lines, []byte("\n"))), nil
}
