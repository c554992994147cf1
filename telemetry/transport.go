package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

type requestKindKey struct{}

// WithRequestKind labels upstream requests made with ctx, e.g. "listing" or
// "image", in fetch metrics.
func WithRequestKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, requestKindKey{}, kind)
}

// RequestKind returns the label set by WithRequestKind, or "other".
func RequestKind(ctx context.Context) string {
	if kind, ok := ctx.Value(requestKindKey{}).(string); ok && kind != "" {
		return kind
	}
	return "other"
}

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch
// metrics. A fetch is recorded once its body is closed so the byte count
// covers what was actually read.
type InstrumentedTransport struct {
	base   http.RoundTripper
	source string
}

// NewInstrumentedTransport creates a transport labelled with source. If base
// is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, source string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, source: source}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	kind := RequestKind(ctx)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(ctx, t.source, kind, time.Since(start), 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 400 {
		outcome = StatusClass(resp.StatusCode)
	}
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		source:     t.source,
		kind:       kind,
		start:      start,
		outcome:    outcome,
	}
	return resp, nil
}

// instrumentedBody counts bytes read and records the fetch on first close.
// A successful response closed before EOF is recorded as "truncated".
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	source   string
	kind     string
	start    time.Time
	bytes    int64
	outcome  string
	eof      bool
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		outcome := b.outcome
		if outcome == "success" && !b.eof {
			outcome = "truncated"
		}
		RecordUpstreamFetch(b.ctx, b.source, b.kind, time.Since(b.start), b.bytes, outcome)
	}
	return b.ReadCloser.Close()
}
