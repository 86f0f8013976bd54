package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/arkilian/memlog/internal/errors"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func writeFrames(t *testing.T, path string, n int) [][]byte {
	t.Helper()
	w, err := OpenFrameWriter(path, nil)
	require.NoError(t, err)
	defer w.Close()

	var payloads [][]byte
	for i := 0; i < n; i++ {
		p := []byte(fmt.Sprintf("record-%03d", i))
		_, err := w.Append(p)
		require.NoError(t, err)
		payloads = append(payloads, p)
	}
	require.NoError(t, w.Sync())
	return payloads
}

func TestFrameWriter_AppendReturnsRecordStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	w, err := OpenFrameWriter(path, nil)
	require.NoError(t, err)
	defer w.Close()

	off0, err := w.Append([]byte("abc"))
	require.NoError(t, err)
	off1, err := w.Append([]byte("defgh"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), off0)
	assert.Equal(t, int64(FrameHeaderSize+3), off1)
	assert.Equal(t, int64(2*FrameHeaderSize+8), w.Offset())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(raw[0:8]))
	assert.Equal(t, "abc", string(raw[8:11]))
}

func TestFrameReader_ReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	want := writeFrames(t, path, 25)

	got, err := NewFrameReader(path, nil).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFrameReader_IsRestartable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	writeFrames(t, path, 10)

	r := NewFrameReader(path, nil)
	first := 0
	for _, err := range r.Frames() {
		require.NoError(t, err)
		first++
		if first == 4 {
			break
		}
	}
	all, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, 4, first)
	assert.Len(t, all, 10)
}

func TestFrameReader_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	want := writeFrames(t, path, 100)

	// The (N+1)-th record: length header flushed, payload only partly.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var header [FrameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], 512)
	_, err = f.Write(header[:])
	require.NoError(t, err)
	_, err = f.Write([]byte("partial payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	logger, logs := captureLogger()
	got, err := NewFrameReader(path, logger).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Contains(t, logs.String(), "truncated frame at tail")
}

func TestFrameReader_TruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	want := writeFrames(t, path, 3)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	logger, logs := captureLogger()
	got, err := NewFrameReader(path, logger).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Contains(t, logs.String(), "truncated frame header")
}

func TestFrameWriter_ReopenCutsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	want := writeFrames(t, path, 5)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	goodSize := stat.Size()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var header [FrameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], 64)
	_, err = f.Write(header[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	logger, logs := captureLogger()
	w, err := OpenFrameWriter(path, logger)
	require.NoError(t, err)
	assert.Equal(t, goodSize, w.Offset())
	assert.Contains(t, logs.String(), "truncating torn tail")

	off, err := w.Append([]byte("after-crash"))
	require.NoError(t, err)
	assert.Equal(t, goodSize, off)
	require.NoError(t, w.Close())

	got, err := NewFrameReader(path, nil).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, append(want, []byte("after-crash")), got)
}

func TestFrameWriter_CorruptHeaderIsNotATail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	w, err := OpenFrameWriter(path, nil)
	require.NoError(t, err)
	offsets, err := w.AppendBatch([][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	stat, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	var header [FrameHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], MaxFrameSize+1)
	_, err = f.WriteAt(header[:], offsets[1])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenFrameWriter(path, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeerrors.ErrFrameCorrupt)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, stat.Size(), after.Size())

	got, err := NewFrameReader(path, nil).ReadAll()
	assert.ErrorIs(t, err, storeerrors.ErrFrameCorrupt)
	assert.Equal(t, [][]byte{[]byte("a")}, got)

	_, err = ReadFrameAt(path, offsets[1])
	assert.ErrorIs(t, err, storeerrors.ErrFrameCorrupt)
}

func TestFrameWriter_TruncateAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	w, err := OpenFrameWriter(path, nil)
	require.NoError(t, err)
	defer w.Close()

	offsets, err := w.AppendBatch([][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})
	require.NoError(t, err)
	require.NoError(t, w.TruncateAt(offsets[1]))

	got, err := NewFrameReader(path, nil).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a")}, got)

	assert.Error(t, w.TruncateAt(w.Offset()+1))
}

func TestFrameReader_From(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.dat")
	w, err := OpenFrameWriter(path, nil)
	require.NoError(t, err)
	offsets, err := w.AppendBatch([][]byte{[]byte("one"), []byte("two"), []byte("three")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := NewFrameReader(path, nil).From(offsets[1]).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("two"), []byte("three")}, got)

	single, err := ReadFrameAt(path, offsets[2])
	require.NoError(t, err)
	assert.Equal(t, "three", string(single))
}

func TestFrameReader_MissingFile(t *testing.T) {
	_, err := NewFrameReader(filepath.Join(t.TempDir(), "absent"), nil).ReadAll()
	assert.Error(t, err)
}
