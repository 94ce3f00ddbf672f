package scrollback

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lecoder-ai/mconnect/src/store"
)

// Options sizes a Buffer.
type Options struct {
	// MemoryLines is the target size of the in-memory tail.
	MemoryLines int
	// MaxTotalLines bounds the total retained history (memory + store).
	MaxTotalLines int
	// SpillBatchSize is how many lines move to the store per spill transaction.
	SpillBatchSize int
}

type line struct {
	number    int64
	content   string
	timestamp time.Time
}

// Buffer is a per-session hybrid scrollback: a bounded in-memory tail over a
// persistent spillover in the session store. Line numbers increase
// monotonically from 0 and are never reused; trimming drops the oldest
// numbers, so the surviving window is always contiguous.
//
// Invariants (under mu):
//   - memory holds lines [next-len(memory), next)
//   - the store holds lines [first, persisted)
//   - persisted >= next-len(memory), so every retained line is reachable
type Buffer struct {
	st        *store.Store
	sessionID string
	opts      Options

	mu        sync.Mutex
	memory    []line
	partial   string
	first     int64 // lowest retained line number
	next      int64 // next line number to allocate
	persisted int64 // lines below this are in the store
}

// New creates a buffer for the session. Zero or negative option values fall
// back to sane minimums.
func New(st *store.Store, sessionID string, opts Options) *Buffer {
	if opts.MemoryLines <= 0 {
		opts.MemoryLines = 1
	}
	if opts.SpillBatchSize <= 0 {
		opts.SpillBatchSize = 1
	}
	if opts.MaxTotalLines <= 0 {
		opts.MaxTotalLines = opts.MemoryLines
	}
	return &Buffer{st: st, sessionID: sessionID, opts: opts}
}

// Restore re-populates the buffer from the store after a daemon restart. The
// in-memory tail is seeded with the latest MemoryLines persisted lines.
func (b *Buffer) Restore() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	first, next, err := b.st.GetScrollbackBounds(b.sessionID)
	if err != nil {
		return err
	}
	b.first = first
	b.next = next
	b.persisted = next
	b.memory = b.memory[:0]
	b.partial = ""

	tail, err := b.st.GetLatestScrollback(b.sessionID, b.opts.MemoryLines)
	if err != nil {
		return err
	}
	for _, l := range tail {
		b.memory = append(b.memory, line{number: l.LineNumber, content: l.Content, timestamp: l.Timestamp})
	}
	return nil
}

// Append feeds raw PTY output into the buffer. Data is concatenated with the
// current partial line and split on line feeds; every complete line is
// retained and any remainder becomes the new partial line.
func (b *Buffer) Append(data string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	combined := b.partial + data
	if !strings.Contains(combined, "\n") {
		b.partial = combined
		return nil
	}
	parts := strings.Split(combined, "\n")
	b.partial = parts[len(parts)-1]
	ts := time.Now()
	for _, content := range parts[:len(parts)-1] {
		b.memory = append(b.memory, line{number: b.next, content: strings.TrimSuffix(content, "\r"), timestamp: ts})
		b.next++
	}
	return b.maintainLocked()
}

// maintainLocked spills excess memory lines to the store and trims history
// over MaxTotalLines. Caller holds mu.
func (b *Buffer) maintainLocked() error {
	if len(b.memory) > b.opts.MemoryLines+b.opts.SpillBatchSize {
		if err := b.spillLocked(b.opts.SpillBatchSize); err != nil {
			return err
		}
	}
	if total := b.next - b.first; total > int64(b.opts.MaxTotalLines) {
		if err := b.trimLocked(total - int64(b.opts.MaxTotalLines)); err != nil {
			return err
		}
	}
	return nil
}

// spillLocked moves the oldest n memory lines into the store in one
// transaction. Lines already persisted (possible after Restore) are only
// dropped from memory.
func (b *Buffer) spillLocked(n int) error {
	if n > len(b.memory) {
		n = len(b.memory)
	}
	batch := b.memory[:n]
	var contents []string
	var start int64
	for _, l := range batch {
		if l.number < b.persisted {
			continue
		}
		if contents == nil {
			start = l.number
		}
		contents = append(contents, l.content)
	}
	if contents != nil {
		if err := b.st.AppendScrollbackBatch(b.sessionID, start, contents); err != nil {
			return fmt.Errorf("spill scrollback: %w", err)
		}
		b.persisted = start + int64(len(contents))
	}
	b.memory = append(b.memory[:0], b.memory[n:]...)
	return nil
}

// trimLocked discards the oldest n retained lines.
func (b *Buffer) trimLocked(n int64) error {
	newFirst := b.first + n
	if keep := b.persisted - newFirst; b.persisted > b.first {
		if keep < 0 {
			keep = 0
		}
		if err := b.st.TrimScrollback(b.sessionID, keep); err != nil {
			return err
		}
	}
	// Trimming can reach into the memory tail when the store holds fewer
	// than n lines.
	for len(b.memory) > 0 && b.memory[0].number < newFirst {
		b.memory = b.memory[1:]
	}
	b.first = newFirst
	if b.persisted < newFirst {
		b.persisted = newFirst
	}
	return nil
}

// Flush completes any outstanding partial line and drains the memory tail to
// the store. Idempotent.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.partial != "" {
		b.memory = append(b.memory, line{number: b.next, content: b.partial, timestamp: time.Now()})
		b.next++
		b.partial = ""
	}
	var contents []string
	var start int64
	for _, l := range b.memory {
		if l.number < b.persisted {
			continue
		}
		if contents == nil {
			start = l.number
		}
		contents = append(contents, l.content)
	}
	if contents != nil {
		if err := b.st.AppendScrollbackBatch(b.sessionID, start, contents); err != nil {
			return fmt.Errorf("flush scrollback: %w", err)
		}
		b.persisted = start + int64(len(contents))
	}
	if total := b.next - b.first; total > int64(b.opts.MaxTotalLines) {
		return b.trimLocked(total - int64(b.opts.MaxTotalLines))
	}
	return nil
}

// TotalLines reports the number of retained lines.
func (b *Buffer) TotalLines() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next - b.first
}

// FirstLine reports the lowest retained line number.
func (b *Buffer) FirstLine() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.first
}

// GetRecent returns the last min(count, total) retained lines, preferring the
// in-memory tail and filling any missing prefix from the store.
func (b *Buffer) GetRecent(count int) ([]store.ScrollbackLine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count <= 0 {
		return nil, nil
	}
	from := b.next - int64(count)
	if from < b.first {
		from = b.first
	}
	return b.rangeLocked(from, b.next)
}

// GetRange returns retained lines in [fromLine, fromLine+count), combining
// store and memory. A fromLine below the surviving window is clamped up to
// it; a fromLine at or past the end returns empty.
func (b *Buffer) GetRange(fromLine int64, count int) ([]store.ScrollbackLine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count <= 0 || fromLine >= b.next {
		return nil, nil
	}
	lo := fromLine
	if lo < b.first {
		lo = b.first
	}
	hi := lo + int64(count)
	if hi > b.next {
		hi = b.next
	}
	return b.rangeLocked(lo, hi)
}

// rangeLocked assembles lines [lo, hi). Caller holds mu and guarantees the
// range is within [first, next).
func (b *Buffer) rangeLocked(lo, hi int64) ([]store.ScrollbackLine, error) {
	if lo >= hi {
		return nil, nil
	}
	out := make([]store.ScrollbackLine, 0, hi-lo)

	memStart := b.next - int64(len(b.memory))
	if lo < memStart {
		// Prefix only available from the store.
		end := hi
		if end > memStart {
			end = memStart
		}
		fromStore, err := b.st.GetScrollback(b.sessionID, lo, int(end-lo))
		if err != nil {
			return nil, err
		}
		out = append(out, fromStore...)
	}
	for _, l := range b.memory {
		if l.number >= lo && l.number < hi {
			out = append(out, store.ScrollbackLine{
				SessionID:  b.sessionID,
				LineNumber: l.number,
				Content:    l.content,
				Timestamp:  l.timestamp,
			})
		}
	}
	return out, nil
}
