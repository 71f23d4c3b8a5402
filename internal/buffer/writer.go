package buffer

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// BufferedFileWriter accumulates data and writes in large blocks for better I/O performance.
// It is used from a single consumer goroutine and is not safe for concurrent writers.
type BufferedFileWriter struct {
	file     *os.File
	name     string
	buffer   []byte
	position int

	totalBytes atomic.Int64 // bytes handed to the file
	writeTime  atomic.Int64 // nanoseconds spent in file writes
	closed     bool
}

// NewBufferedFileWriter creates (truncates) filename with a buffer of bufferSize bytes.
func NewBufferedFileWriter(filename string, bufferSize int) (*BufferedFileWriter, error) {
	if bufferSize <= 0 {
		bufferSize = 4 * 1024 * 1024 // 4MB default
	}

	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create output file %s: %w", filename, err)
	}

	return &BufferedFileWriter{
		file:   file,
		name:   filename,
		buffer: make([]byte, bufferSize),
	}, nil
}

// Name returns the file name.
func (w *BufferedFileWriter) Name() string {
	return w.name
}

// Write accumulates data in the buffer and writes it to disk when full.
func (w *BufferedFileWriter) Write(data []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}

	totalWritten := 0
	for totalWritten < len(data) {
		n := copy(w.buffer[w.position:], data[totalWritten:])
		w.position += n
		totalWritten += n

		if w.position == len(w.buffer) {
			if err := w.writeOut(); err != nil {
				return totalWritten, err
			}
		}
	}
	return totalWritten, nil
}

// writeOut sends the buffered bytes to the file.
func (w *BufferedFileWriter) writeOut() error {
	if w.position == 0 {
		return nil
	}
	start := time.Now()
	n, err := w.file.Write(w.buffer[:w.position])
	w.writeTime.Add(int64(time.Since(start)))
	w.totalBytes.Add(int64(n))
	if err != nil {
		// keep what was not written so a later flush can retry
		copy(w.buffer, w.buffer[n:w.position])
		w.position -= n
		return fmt.Errorf("write %s: %w", w.name, err)
	}
	w.position = 0
	return nil
}

// Flush forces a write of the current buffer contents.
func (w *BufferedFileWriter) Flush() error {
	if w.closed {
		return nil
	}
	return w.writeOut()
}

// Buffered returns the number of bytes waiting in the buffer.
func (w *BufferedFileWriter) Buffered() int {
	return w.position
}

// TotalBytes returns the bytes written to the file so far.
func (w *BufferedFileWriter) TotalBytes() int64 {
	return w.totalBytes.Load()
}

// WriteSpeed returns the disk write speed in MB/s.
func (w *BufferedFileWriter) WriteSpeed() float64 {
	writeTime := time.Duration(w.writeTime.Load())
	if writeTime.Seconds() > 0 {
		return float64(w.totalBytes.Load()) / writeTime.Seconds() / (1024 * 1024)
	}
	return 0
}

// Close flushes remaining data and closes the file.
func (w *BufferedFileWriter) Close() error {
	if w.closed {
		return nil
	}
	flushErr := w.writeOut()
	w.closed = true
	if err := w.file.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("close %s: %w", w.name, err)
	}
	return flushErr
}
