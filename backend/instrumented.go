package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/gallery-cache/telemetry"
)

// InstrumentedBackend records an operation metric, labelled with name, for
// every call to the wrapped backend.
type InstrumentedBackend struct {
	Backend
	name string
}

// NewInstrumentedBackend wraps b.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{Backend: b, name: name}
}

func (ib *InstrumentedBackend) observe(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

// Create records the write once it is committed or aborted.
func (ib *InstrumentedBackend) Create(ctx context.Context, key string) (StagedWriter, error) {
	start := time.Now()
	w, err := ib.Backend.Create(ctx, key)
	if err != nil {
		ib.observe(ctx, "write", start, err, 0)
		return nil, err
	}
	return &meteredWriter{StagedWriter: w, ctx: ctx, ib: ib, start: start}, nil
}

// Open records the read when the returned reader is closed.
func (ib *InstrumentedBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.Backend.Open(ctx, key)
	if err != nil {
		ib.observe(ctx, "read", start, err, 0)
		return nil, err
	}
	return &meteredReader{ReadCloser: rc, ctx: ctx, ib: ib, start: start}, nil
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.Backend.Stat(ctx, key)
	ib.observe(ctx, "stat", start, err, 0)
	return size, err
}

func (ib *InstrumentedBackend) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.Backend.Remove(ctx, key)
	ib.observe(ctx, "remove", start, err, 0)
	return err
}

func (ib *InstrumentedBackend) Walk(ctx context.Context, fn WalkFunc) error {
	start := time.Now()
	err := ib.Backend.Walk(ctx, fn)
	ib.observe(ctx, "walk", start, err, 0)
	return err
}

// Unwrap returns the wrapped backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.Backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type meteredReader struct {
	io.ReadCloser
	ctx    context.Context
	ib     *InstrumentedBackend
	start  time.Time
	n      int64
	closed bool
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *meteredReader) Close() error {
	err := r.ReadCloser.Close()
	if !r.closed {
		r.closed = true
		r.ib.observe(r.ctx, "read", r.start, nil, r.n)
	}
	return err
}

type meteredWriter struct {
	StagedWriter
	ctx      context.Context
	ib       *InstrumentedBackend
	start    time.Time
	n        int64
	recorded bool
}

func (w *meteredWriter) Write(p []byte) (int, error) {
	n, err := w.StagedWriter.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *meteredWriter) Close() error {
	err := w.StagedWriter.Close()
	w.record(outcomeFromError(err))
	return err
}

func (w *meteredWriter) Abort() error {
	err := w.StagedWriter.Abort()
	w.record("aborted")
	return err
}

func (w *meteredWriter) record(outcome string) {
	if w.recorded {
		return
	}
	w.recorded = true
	telemetry.RecordBackendOp(w.ctx, w.ib.name, "write", outcome, time.Since(w.start), w.n)
}

var _ Backend = (*InstrumentedBackend)(nil)
