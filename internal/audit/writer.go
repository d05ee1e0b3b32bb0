package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the audit log.
var ErrLocked = errors.New("audit log is locked by another process")

// Sink receives finished records.
type Sink interface {
	Write(Record) error
	Close() error
}

// Writer serializes records as JSON lines.
type Writer struct {
	mu           sync.Mutex
	w            io.Writer
	relevantOnly bool
	closers      []func() error
}

type WriterOption func(*Writer)

// RelevantOnly drops records without matches and with a pass disposition.
func RelevantOnly(on bool) WriterOption {
	return func(w *Writer) { w.relevantOnly = on }
}

func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	out := &Writer{w: w}
	for _, opt := range opts {
		opt(out)
	}
	return out
}

// OpenFile opens path for appending and takes an exclusive lock on
// path+".lock" for the lifetime of the writer.
func OpenFile(path string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock audit log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	w := NewWriter(file, opts...)
	w.closers = []func() error{file.Close, lock.Unlock}
	return w, nil
}

func (w *Writer) Write(rec Record) error {
	if w.relevantOnly && !rec.Relevant() {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(append(data, '\n'))
	return err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c())
	}
	w.closers = nil
	return errors.Join(errs...)
}

// Discard is a sink that drops every record.
type Discard struct{}

func (Discard) Write(Record) error { return nil }
func (Discard) Close() error       { return nil }
