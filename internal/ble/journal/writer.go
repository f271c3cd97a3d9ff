package journal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble/session"
	"google.golang.org/protobuf/encoding/protowire"
)

// Writer appends events to a journal. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	c      io.Closer
	start  time.Time
	now    func() time.Time
	failed error
}

// NewWriter writes records to w. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	jw := &Writer{w: bufio.NewWriter(w), now: time.Now}
	if c, ok := w.(io.Closer); ok {
		jw.c = c
	}
	return jw
}

// Create truncates or creates the journal file at path.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", path, err)
	}
	return NewWriter(f), nil
}

// Record appends ev. The first recorded event sets the time origin.
func (w *Writer) Record(ev session.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed != nil {
		return w.failed
	}

	now := w.now()
	if w.start.IsZero() {
		w.start = now
	}
	rec, err := marshalEntry(Entry{Elapsed: now.Sub(w.start), Event: ev})
	if err != nil {
		return err
	}
	if _, err := w.w.Write(protowire.AppendBytes(nil, rec)); err != nil {
		w.failed = fmt.Errorf("journal: write: %w", err)
		return w.failed
	}
	return nil
}

// Tap returns a function suitable for ble.Options.Tap. Write failures are
// logged once; the connection carries on without a journal.
func (w *Writer) Tap() func(session.Event) {
	var once sync.Once
	return func(ev session.Event) {
		if err := w.Record(ev); err != nil {
			once.Do(func() {
				slog.Warn("[journal] recording stopped", "error", err)
			})
		}
	}
}

// Close flushes buffered records and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}
