package replication

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/arkilian/memlog/internal/codec"
	"github.com/arkilian/memlog/internal/wal"
)

// Record field numbers in log.dat.
const (
	fieldIndex    protowire.Number = 1
	fieldTerm     protowire.Number = 2
	fieldRoute    protowire.Number = 3
	fieldEnvelope protowire.Number = 4
	fieldBase     protowire.Number = 5
)

// raftLog is the replicated log: entries after baseIndex, persisted as
// frames. A compacted log starts with a base record carrying the index
// and term of the last discarded entry.
type raftLog struct {
	path   string
	codec  codec.Codec
	logger *slog.Logger
	writer *wal.FrameWriter

	baseIndex uint64
	baseTerm  uint64
	entries   []Entry
	offsets   []int64
}

// renameFile is swapped in tests to fail a rewrite.
var renameFile = os.Rename

func openLog(path string, c codec.Codec, logger *slog.Logger) (*raftLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &raftLog{path: path, codec: c, logger: logger}

	// The writer creates a missing file and cuts a torn tail, so the scan
	// below sees exactly the frames later appends continue from.
	w, err := wal.OpenFrameWriter(path, logger)
	if err != nil {
		return nil, err
	}
	for f, err := range wal.NewFrameReader(path, logger).Frames() {
		if err != nil {
			w.Close()
			return nil, err
		}
		e, base, err := l.decode(f.Payload)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("replication log %s offset %d: %w", path, f.Offset, err)
		}
		if base {
			l.baseIndex, l.baseTerm = e.Index, e.Term
			continue
		}
		if e.Index != l.lastIndex()+1 {
			w.Close()
			return nil, fmt.Errorf("replication log %s: entry %d follows %d", path, e.Index, l.lastIndex())
		}
		l.entries = append(l.entries, e)
		l.offsets = append(l.offsets, f.Offset)
	}
	l.writer = w
	return l, nil
}

// ensureWriter reopens log.dat after a rewrite that could not.
func (l *raftLog) ensureWriter() error {
	if l.writer != nil {
		return nil
	}
	w, err := wal.OpenFrameWriter(l.path, l.logger)
	if err != nil {
		return err
	}
	l.writer = w
	return nil
}

func (l *raftLog) encode(e Entry, base bool) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	if base {
		b = protowire.AppendTag(b, fieldBase, protowire.VarintType)
		return protowire.AppendVarint(b, 1), nil
	}
	if e.Route != "" {
		b = protowire.AppendTag(b, fieldRoute, protowire.BytesType)
		b = protowire.AppendString(b, e.Route)
	}
	if e.Envelope != nil {
		data, err := l.codec.MarshalEnvelope(e.Envelope)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldEnvelope, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b, nil
}

func (l *raftLog) decode(b []byte) (Entry, bool, error) {
	var e Entry
	base := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, false, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return e, false, protowire.ParseError(m)
			}
			switch num {
			case fieldIndex:
				e.Index = v
			case fieldTerm:
				e.Term = v
			case fieldBase:
				base = v == 1
			}
			n = m
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return e, false, protowire.ParseError(m)
			}
			switch num {
			case fieldRoute:
				e.Route = string(v)
			case fieldEnvelope:
				env, err := l.codec.UnmarshalEnvelope(v)
				if err != nil {
					return e, false, err
				}
				e.Envelope = env
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, false, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return e, base, nil
}

func (l *raftLog) lastIndex() uint64 {
	return l.baseIndex + uint64(len(l.entries))
}

func (l *raftLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.baseTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// term returns the term of the entry at index, which must be the base or
// a retained entry.
func (l *raftLog) term(index uint64) (uint64, bool) {
	switch {
	case index == l.baseIndex:
		return l.baseTerm, true
	case index < l.baseIndex || index > l.lastIndex():
		return 0, false
	default:
		return l.entries[index-l.baseIndex-1].Term, true
	}
}

func (l *raftLog) entry(index uint64) (Entry, bool) {
	if index <= l.baseIndex || index > l.lastIndex() {
		return Entry{}, false
	}
	return l.entries[index-l.baseIndex-1], true
}

// slice copies the retained entries in [from, to].
func (l *raftLog) slice(from, to uint64) []Entry {
	if from <= l.baseIndex {
		from = l.baseIndex + 1
	}
	if to > l.lastIndex() {
		to = l.lastIndex()
	}
	if from > to {
		return nil
	}
	out := make([]Entry, to-from+1)
	copy(out, l.entries[from-l.baseIndex-1:to-l.baseIndex])
	return out
}

// append persists entries, which must continue the log, and fsyncs.
func (l *raftLog) append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		if e.Index != l.lastIndex()+uint64(i)+1 {
			return fmt.Errorf("replication log: entry %d does not follow %d", e.Index, l.lastIndex()+uint64(i))
		}
		data, err := l.encode(e, false)
		if err != nil {
			return err
		}
		payloads[i] = data
	}
	if err := l.ensureWriter(); err != nil {
		return err
	}
	offsets, err := l.writer.AppendBatch(payloads)
	if err != nil {
		return err
	}
	if err := l.writer.Sync(); err != nil {
		return err
	}
	l.entries = append(l.entries, entries...)
	l.offsets = append(l.offsets, offsets...)
	return nil
}

// truncateFrom drops index and everything after it.
func (l *raftLog) truncateFrom(index uint64) ([]Entry, error) {
	if index <= l.baseIndex || index > l.lastIndex() {
		return nil, nil
	}
	i := index - l.baseIndex - 1
	if err := l.ensureWriter(); err != nil {
		return nil, err
	}
	if err := l.writer.TruncateAt(l.offsets[i]); err != nil {
		return nil, err
	}
	removed := append([]Entry(nil), l.entries[i:]...)
	l.entries = l.entries[:i]
	l.offsets = l.offsets[:i]
	return removed, nil
}

// compact discards entries up to and including index.
func (l *raftLog) compact(index uint64) error {
	term, ok := l.term(index)
	if !ok || index == l.baseIndex {
		return nil
	}
	kept := append([]Entry(nil), l.entries[index-l.baseIndex:]...)
	return l.rewrite(index, term, kept)
}

// reset discards every entry and restarts the log after index.
func (l *raftLog) reset(index, term uint64) error {
	return l.rewrite(index, term, nil)
}

// rewrite replaces log.dat with a base record and entries through a
// temporary file and a rename.
func (l *raftLog) rewrite(baseIndex, baseTerm uint64, entries []Entry) error {
	payloads := make([][]byte, 0, len(entries)+1)
	base, err := l.encode(Entry{Index: baseIndex, Term: baseTerm}, true)
	if err != nil {
		return err
	}
	payloads = append(payloads, base)
	for _, e := range entries {
		data, err := l.encode(e, false)
		if err != nil {
			return err
		}
		payloads = append(payloads, data)
	}

	tmp := l.path + ".tmp"
	_ = os.Remove(tmp)
	w, err := wal.OpenFrameWriter(tmp, l.logger)
	if err != nil {
		return err
	}
	offsets, err := w.AppendBatch(payloads)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// The current writer stays usable until the rename has happened.
	if err := renameFile(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if dir, err := os.Open(filepath.Dir(l.path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	// log.dat now holds the rewritten log whatever happens below.
	l.baseIndex, l.baseTerm = baseIndex, baseTerm
	l.entries = entries
	l.offsets = offsets[1:]
	if l.writer != nil {
		if err := l.writer.Close(); err != nil {
			l.logger.Warn("failed to close replaced replication log", "error", err)
		}
		l.writer = nil
	}
	return l.ensureWriter()
}

func (l *raftLog) close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}
