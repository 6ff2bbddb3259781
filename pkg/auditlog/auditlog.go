// Package auditlog is an append-only, hash-chained record of financial events. Each entry
// commits to its predecessor's hash, so any rewrite of history breaks Verify.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
)

const genesis = "genesis"

// Entry is an immutable, hash-chained entry.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Author      string         `json:"author,omitempty"`
	Data        map[string]any `json:"data"`
}

// Log is an append-only, hash-chained log.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
	out      io.Writer
	logger   *slog.Logger
}

func New() *Log {
	return &Log{
		headHash: genesis,
		clock:    time.Now,
		logger:   slog.Default().With("component", "auditlog"),
	}
}

// WithClock overrides clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithWriter mirrors every appended entry to w as one JSON line.
func (l *Log) WithWriter(w io.Writer) *Log {
	l.out = w
	return l
}

// Append adds an entry and returns its sequence number.
func (l *Log) Append(entryType, author string, data map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	hash, err := contentHash(seq, entryType, data, l.headHash)
	if err != nil {
		return 0, err
	}
	entry := Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: hash,
		PrevHash:    l.headHash,
		Timestamp:   l.clock().UTC(),
		Author:      author,
		Data:        data,
	}
	if l.out != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("encode entry: %w", err)
		}
		if _, err := l.out.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("write entry: %w", err)
		}
	}
	l.entries = append(l.entries, entry)
	l.headHash = hash
	return seq, nil
}

// Emit records an escrow event.
func (l *Log) Emit(ctx context.Context, e escrow.Event) {
	data := map[string]any{"task_id": e.TaskID}
	for k, v := range e.Data {
		data[k] = v
	}
	if _, err := l.Append(string(e.Type), e.Actor, data); err != nil {
		l.logger.ErrorContext(ctx, "audit append failed", "event", string(e.Type), "task_id", e.TaskID, "error", err)
	}
}

// Since returns a copy of entries with Sequence > seq.
func (l *Log) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(seq))
	copy(out, l.entries[seq:])
	return out
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify recomputes the whole chain.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries)
}

// VerifyEntries checks a chain exported from a Log, e.g. read back from its JSON lines.
func VerifyEntries(entries []Entry) error {
	prev := genesis
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := contentHash(e.Sequence, e.EntryType, e.Data, e.PrevHash)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		if computed != e.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return nil
}

func contentHash(seq uint64, entryType string, data map[string]any, prev string) (string, error) {
	raw, err := json.Marshal(struct {
		Seq      uint64         `json:"seq"`
		Type     string         `json:"type"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, entryType, data, prev})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

var _ escrow.EventSink = (*Log)(nil)
