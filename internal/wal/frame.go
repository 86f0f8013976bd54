// Package wal provides the append-only files behind the store:
// length-prefixed frames, size-rotated segments and one segment log per
// route.
//
// Frame layout: [u64 payload length, little-endian][payload]. A crash can
// leave at most one incomplete frame at the tail of a file; readers stop
// in front of it and writers cut it off before appending. A length header
// no writer could have produced is corruption, never a tail.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	storeerrors "github.com/arkilian/memlog/internal/errors"
)

const (
	// FrameHeaderSize is the size of the length prefix.
	FrameHeaderSize = 8

	// MaxFrameSize bounds a single payload. Writers never produce a larger
	// length header, so one found on disk is reported as corruption.
	MaxFrameSize = 256 << 20
)

// Frame is one record read back from a file.
type Frame struct {
	Offset  int64 // start of the length header
	Payload []byte
}

// End returns the offset just past the frame.
func (f Frame) End() int64 {
	return f.Offset + FrameHeaderSize + int64(len(f.Payload))
}

// FrameWriter appends frames to one file.
type FrameWriter struct {
	path   string
	file   *os.File
	offset int64
	logger *slog.Logger
}

// OpenFrameWriter opens path for appending, creating it if needed. A torn
// tail left by a crash is truncated away first so new frames start on a
// record boundary.
func OpenFrameWriter(path string, logger *slog.Logger) (*FrameWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame file: %w", err)
	}

	end, _, err := scanFrames(file, path, 0, logger, nil)
	if err != nil {
		file.Close()
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat frame file: %w", err)
	}
	if stat.Size() > end {
		logger.Warn("truncating torn tail", "path", path, "offset", end, "size", stat.Size())
		if err := file.Truncate(end); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate torn tail: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to fsync after truncate: %w", err)
		}
	}

	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek frame file: %w", err)
	}

	return &FrameWriter{path: path, file: file, offset: end, logger: logger}, nil
}

// Append writes one frame and returns the offset of its start. The frame
// is handed to the OS in a single write; call Sync for durability.
func (w *FrameWriter) Append(payload []byte) (int64, error) {
	offsets, err := w.AppendBatch([][]byte{payload})
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// AppendBatch writes several frames with one write call and returns the
// start offset of each.
func (w *FrameWriter) AppendBatch(payloads [][]byte) ([]int64, error) {
	if w.file == nil {
		return nil, fmt.Errorf("frame writer closed: %s", w.path)
	}

	size := 0
	for _, p := range payloads {
		if len(p) > MaxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit", len(p))
		}
		size += FrameHeaderSize + len(p)
	}

	buf := make([]byte, 0, size)
	offsets := make([]int64, len(payloads))
	cursor := w.offset
	for i, p := range payloads {
		offsets[i] = cursor
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(p)))
		buf = append(buf, p...)
		cursor += FrameHeaderSize + int64(len(p))
	}

	if _, err := w.file.Write(buf); err != nil {
		// Cut whatever part reached the file so the next frame starts clean.
		if terr := w.file.Truncate(w.offset); terr == nil {
			w.file.Seek(w.offset, io.SeekStart)
		}
		return nil, err
	}
	w.offset = cursor
	return offsets, nil
}

// Sync flushes written frames to stable storage.
func (w *FrameWriter) Sync() error {
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Offset returns the end of the last written frame.
func (w *FrameWriter) Offset() int64 {
	return w.offset
}

// Path returns the file path.
func (w *FrameWriter) Path() string {
	return w.path
}

// TruncateAt drops every frame starting at or after offset.
func (w *FrameWriter) TruncateAt(offset int64) error {
	if offset > w.offset {
		return fmt.Errorf("truncate offset %d beyond end %d", offset, w.offset)
	}
	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	w.offset = offset
	return w.file.Sync()
}

// Close syncs and closes the file.
func (w *FrameWriter) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("failed to fsync on close: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// FrameReader reads frames from a file. Each call to Frames opens the file
// again, so a reader can be iterated any number of times.
type FrameReader struct {
	path   string
	start  int64
	logger *slog.Logger
}

// NewFrameReader creates a reader over path starting at the first frame.
func NewFrameReader(path string, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameReader{path: path, logger: logger}
}

// From returns a reader that starts at offset, which must be a frame
// boundary.
func (r *FrameReader) From(offset int64) *FrameReader {
	c := *r
	c.start = offset
	return &c
}

// Frames lazily yields every complete frame. A truncated tail ends the
// sequence with a warning, not an error.
func (r *FrameReader) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		file, err := os.Open(r.path)
		if err != nil {
			yield(Frame{}, fmt.Errorf("failed to open frame file: %w", err))
			return
		}
		defer file.Close()

		stopped := false
		_, _, err = scanFrames(file, r.path, r.start, r.logger, func(f Frame) bool {
			if !yield(f, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(Frame{}, err)
		}
	}
}

// ReadAll collects every complete payload.
func (r *FrameReader) ReadAll() ([][]byte, error) {
	var out [][]byte
	for f, err := range r.Frames() {
		if err != nil {
			return out, err
		}
		out = append(out, f.Payload)
	}
	return out, nil
}

// ReadFrameAt reads the single frame starting at offset.
func ReadFrameAt(path string, offset int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	var header [FrameHeaderSize]byte
	if _, err := file.ReadAt(header[:], offset); err != nil {
		return nil, fmt.Errorf("failed to read frame header at %d: %w", offset, err)
	}
	length := binary.LittleEndian.Uint64(header[:])
	if length > MaxFrameSize {
		return nil, corruptFrame(path, offset, length, stat.Size())
	}
	if offset+FrameHeaderSize+int64(length) > stat.Size() {
		return nil, fmt.Errorf("frame at %d is truncated", offset)
	}
	payload := make([]byte, length)
	if _, err := file.ReadAt(payload, offset+FrameHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read frame payload at %d: %w", offset, err)
	}
	return payload, nil
}

// corruptFrame reports a length header that cannot be a torn tail. The
// file is left untouched so the frames after it stay recoverable.
func corruptFrame(path string, offset int64, length uint64, size int64) error {
	return storeerrors.NewIntegrityError(storeerrors.CodeFrameCorrupt,
		fmt.Sprintf("invalid frame length %d at offset %d of %s", length, offset, path)).
		WithDetails(map[string]interface{}{
			"path":   path,
			"offset": offset,
			"length": length,
			"size":   size,
		})
}

// scanFrames walks complete frames from start, calling fn for each until
// it returns false. It returns the end offset of the last complete frame
// and whether a truncated tail was found.
func scanFrames(file *os.File, path string, start int64, logger *slog.Logger, fn func(Frame) bool) (int64, bool, error) {
	stat, err := file.Stat()
	if err != nil {
		return start, false, fmt.Errorf("failed to stat frame file: %w", err)
	}
	size := stat.Size()
	if start > size {
		return start, false, fmt.Errorf("start offset %d beyond end of %s (%d bytes)", start, path, size)
	}

	br := bufio.NewReaderSize(io.NewSectionReader(file, start, size-start), 64*1024)
	cursor := start
	var header [FrameHeaderSize]byte
	for cursor < size {
		if size-cursor < FrameHeaderSize {
			logger.Warn("truncated frame header at tail", "path", path, "offset", cursor)
			return cursor, true, nil
		}
		if _, err := io.ReadFull(br, header[:]); err != nil {
			return cursor, false, fmt.Errorf("failed to read frame header at %d: %w", cursor, err)
		}
		length := binary.LittleEndian.Uint64(header[:])
		if length > MaxFrameSize {
			return cursor, false, corruptFrame(path, cursor, length, size)
		}
		if cursor+FrameHeaderSize+int64(length) > size {
			logger.Warn("truncated frame at tail", "path", path, "offset", cursor, "length", length)
			return cursor, true, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return cursor, false, fmt.Errorf("failed to read frame payload at %d: %w", cursor, err)
		}
		f := Frame{Offset: cursor, Payload: payload}
		cursor = f.End()
		if fn != nil && !fn(f) {
			return cursor, false, nil
		}
	}
	return cursor, false, nil
}
