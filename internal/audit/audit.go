// Package audit implements the bounded, non-blocking audit channel
// distinct from ordinary structured logs: security-relevant events are
// pushed onto a ring buffer drained by a single background goroutine
// that writes newline-delimited JSON records. A full buffer drops the
// oldest record and counts the drop rather than blocking the
// request-serving goroutine that published it.
package audit

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/rs/zerolog"

	"github.com/dufeut/mik-sub001/internal/errs"
)

// Record is one audit-channel entry.
type Record struct {
	Time      time.Time       `json:"time"`
	Event     errs.AuditEvent `json:"event"`
	Module    string          `json:"module,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Path      string          `json:"path,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Channel is the bounded ring buffer plus its draining goroutine.
type Channel struct {
	ring *queue.RingBuffer
	out  io.Writer
	log  zerolog.Logger

	dropped uint64
	done    chan struct{}
}

// New starts a Channel of the given capacity, draining into out (a
// newline-delimited JSON sink, e.g. an append-only audit log file).
func New(capacity int, out io.Writer, log zerolog.Logger) *Channel {
	c := &Channel{
		ring: queue.NewRingBuffer(uint64(capacity)),
		out:  out,
		log:  log,
		done: make(chan struct{}),
	}
	go c.drain()
	return c
}

// Publish enqueues rec without blocking. If the ring buffer is full the
// oldest record is dropped in its place and the audit_dropped counter
// is incremented.
func (c *Channel) Publish(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	ok, err := c.ring.Offer(rec)
	if err != nil || ok {
		return
	}
	// Full: make room by dropping the oldest entry, then retry once. Poll
	// with a short timeout rather than Get, which would block if the
	// drain goroutine emptied the buffer in the meantime.
	if _, derr := c.ring.Poll(time.Millisecond); derr == nil {
		atomic.AddUint64(&c.dropped, 1)
	}
	_, _ = c.ring.Offer(rec)
}

// PublishEvent is a convenience wrapper over Publish for callers that
// only have an event/module/path triple at hand (e.g. internal/sandbox,
// which cannot depend on this package's Record type without risking an
// import cycle).
func (c *Channel) PublishEvent(event errs.AuditEvent, module, path string) {
	c.Publish(Record{Event: event, Module: module, Path: path})
}

// Dropped returns the number of records dropped due to a full buffer.
func (c *Channel) Dropped() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

func (c *Channel) drain() {
	defer close(c.done)
	for {
		v, err := c.ring.Get()
		if err != nil {
			// Disposed: the channel is shutting down.
			return
		}
		rec, ok := v.(Record)
		if !ok {
			continue
		}
		b, err := json.Marshal(rec)
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to marshal audit record")
			continue
		}
		b = append(b, '\n')
		if _, err := c.out.Write(b); err != nil {
			c.log.Warn().Err(err).Msg("failed to write audit record")
		}
	}
}

// Close disposes the ring buffer and waits for the drain goroutine to
// exit, flushing any record already pulled off the buffer.
func (c *Channel) Close() {
	c.ring.Dispose()
	<-c.done
}
