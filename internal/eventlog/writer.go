// Package eventlog persists session events as append-only JSON Lines.
//
// Appends are serialized through a single watermill consumer: producers
// enqueue from any goroutine, one drain goroutine performs the writes, and
// per file the append order is exactly the enqueue order. That ordering is
// what replay leans on, so nothing here ever reorders records.
//
// A failed append is retried with exponential backoff. When retries are
// exhausted the record is dropped and reported through the error callback;
// the drain loop itself never stops on write failures.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/pkg/types"
)

const (
	appendTopic = "eventlog.appends"

	// pathKey carries a record's target file through message metadata.
	pathKey = "path"

	// queueBuffer bounds the in-flight queue. Publish blocks once the
	// buffer fills, which backpressures emitters instead of growing
	// memory without limit.
	queueBuffer = 1024

	// Retry policy for a single append.
	appendInitialInterval = 50 * time.Millisecond
	appendMaxInterval     = 2 * time.Second
	appendMaxRetries      = 4
)

// ErrWriterClosed is returned by Enqueue after Close.
var ErrWriterClosed = errors.New("eventlog: writer closed")

// ErrorFunc observes a record dropped after exhausting retries. Reporting
// is the caller's business; the writer only guarantees the failure never
// stalls the drain loop.
type ErrorFunc func(path string, err error)

// Writer appends session events to their durable logs. One Writer serves
// any number of sessions; each record names its target file.
type Writer struct {
	pubsub  *gochannel.GoChannel
	onError ErrorFunc
	logger  zerolog.Logger

	// pending counts enqueued records not yet written, so Flush and Close
	// can act as barriers.
	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   int

	done chan struct{}

	mu       sync.Mutex
	closed   bool
	file     *os.File
	filePath string
}

// New starts a writer with its drain consumer already subscribed, so
// records enqueued immediately after New are never dropped. onError may be
// nil, in which case drops are only logged.
func New(onError ErrorFunc) (*Writer, error) {
	w := &Writer{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: queueBuffer,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		onError: onError,
		logger:  logging.Component("eventlog"),
		done:    make(chan struct{}),
	}
	w.pendingCv = sync.NewCond(&w.pendingMu)

	// The subscription must exist before the first Publish; the gochannel
	// drops published messages that have no subscriber.
	ch, err := w.pubsub.Subscribe(context.Background(), appendTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe append queue: %w", err)
	}
	go w.drain(ch)
	return w, nil
}

// Enqueue queues one event for appending to the log at path. The append
// happens asynchronously; ordering per path follows enqueue order.
func (w *Writer) Enqueue(path string, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	// Counted under the lock so Close cannot slip between the closed check
	// and the increment.
	w.addPending(1)
	w.mu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(pathKey, path)
	if err := w.pubsub.Publish(appendTopic, msg); err != nil {
		w.addPending(-1)
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

func (w *Writer) addPending(delta int) {
	w.pendingMu.Lock()
	w.pending += delta
	if w.pending == 0 {
		w.pendingCv.Broadcast()
	}
	w.pendingMu.Unlock()
}

// Flush blocks until every record enqueued so far has been written or
// dropped. It does not stop the writer; new records may follow.
func (w *Writer) Flush() {
	w.pendingMu.Lock()
	for w.pending > 0 {
		w.pendingCv.Wait()
	}
	w.pendingMu.Unlock()
}

// Close flushes queued records, stops the drain loop, and closes the
// current log file. Enqueue returns ErrWriterClosed afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.Flush()
	err := w.pubsub.Close()
	<-w.done

	w.mu.Lock()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
		w.file = nil
		w.filePath = ""
	}
	w.mu.Unlock()
	return err
}

func (w *Writer) drain(ch <-chan *message.Message) {
	defer close(w.done)
	for msg := range ch {
		path := msg.Metadata.Get(pathKey)
		if err := w.append(path, msg.Payload); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("event log append dropped")
			if w.onError != nil {
				w.onError(path, err)
			}
		}
		// Always ack: a record that failed all retries is reported and
		// dropped, not redelivered out of order.
		msg.Ack()
		w.addPending(-1)
	}
}

func (w *Writer) append(path string, line []byte) error {
	op := func() error {
		f, err := w.fileFor(path)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			w.invalidate()
			return err
		}
		return nil
	}
	return backoff.Retry(op, newAppendBackoff())
}

// fileFor returns an open append handle for path, reusing the cached handle
// when the target has not changed. Consecutive records almost always hit
// the same session log, so this keeps the hot path to a single Write.
func (w *Writer) fileFor(path string) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.filePath == path {
		return w.file, nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
		w.filePath = ""
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	w.file = f
	w.filePath = path
	return f, nil
}

func (w *Writer) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
		w.filePath = ""
	}
}

func newAppendBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = appendInitialInterval
	b.MaxInterval = appendMaxInterval
	b.Reset()
	return backoff.WithMaxRetries(b, appendMaxRetries)
}
