package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
)

// tarSingleFile wraps data in an in-memory tar archive holding one file,
// the format CopyToContainer expects.
func tarSingleFile(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0o644,
	}); err != nil {
		return nil, fmt.Errorf("sandbox: tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("sandbox: tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("sandbox: tar close: %w", err)
	}
	return &buf, nil
}

// limitedBuffer keeps at most limit bytes and silently drops the rest, so a
// runaway print loop cannot exhaust memory. Writes never fail.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n… output truncated"
	}
	return b.buf.String()
}
