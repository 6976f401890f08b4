// Package tracing records a per-request tree of execution spans. Each
// request gets its own isolated trace context, carried through the request's
// call chain on context.Context so that concurrent requests never observe
// each other's spans. Completed traces become immutable records in a bounded
// log.
package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/ringlog"
)

// Span is one timed unit of work within a trace. ParentID is nil for root
// spans; otherwise it references a span opened earlier in the same trace.
type Span struct {
	ID          int64          `json:"id"`
	ParentID    *int64         `json:"parentId"`
	Label       string         `json:"label"`
	Category    string         `json:"category"`
	StartOffset float64        `json:"startOffset"`
	Duration    float64        `json:"duration"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TraceRecord is the immutable result of one finished request trace. The
// JSON shape is relied on by downstream storage and UI consumers.
type TraceRecord struct {
	ID            int64    `json:"id"`
	Method        string   `json:"method"`
	URL           string   `json:"url"`
	StatusCode    int      `json:"statusCode"`
	TotalDuration float64  `json:"totalDuration"`
	SpanCount     int      `json:"spanCount"`
	Spans         []Span   `json:"spans"`
	Warnings      []string `json:"warnings"`
	Timestamp     int64    `json:"timestamp"`
}

// traceContext is the mutable per-request record spans attach to. It lives
// from Begin to Finish and is never shared across requests. The mutex guards
// against handlers that fan work out to multiple goroutines within one
// request.
type traceContext struct {
	mu         sync.Mutex
	start      time.Time
	spans      []Span
	warnings   []string
	nextSpanID int64
}

type ctxKey struct{}
type parentKey struct{}

// QueryObserver receives query-completed events so database work can be
// traced without call-site span wrapping. Recorder implements it; storage
// layers depend on this interface only.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, query string, start time.Time, err error)
}

// Recorder opens trace contexts, records spans into them, and finalizes
// completed traces into the bounded log.
type Recorder struct {
	log *ringlog.Log[*TraceRecord]
	now func() time.Time
}

// NewRecorder creates a recorder that pushes finished traces into log.
func NewRecorder(log *ringlog.Log[*TraceRecord]) *Recorder {
	return &Recorder{log: log, now: time.Now}
}

// Log returns the bounded log of finished traces.
func (r *Recorder) Log() *ringlog.Log[*TraceRecord] { return r.log }

// Begin opens a fresh, isolated trace context and returns a context carrying
// it. Everything invoked with the returned context, including work spawned
// across goroutines that inherit it, records into this trace and no other.
func (r *Recorder) Begin(ctx context.Context) context.Context {
	tc := &traceContext{
		start:      r.now(),
		spans:      []Span{},
		warnings:   []string{},
		nextSpanID: 1,
	}
	ctx = context.WithValue(ctx, ctxKey{}, tc)
	// Shadow any enclosing span so spans opened here are roots.
	return context.WithValue(ctx, parentKey{}, int64(0))
}

// Active reports whether ctx carries an open trace context.
func (r *Recorder) Active(ctx context.Context) bool {
	_, ok := fromContext(ctx)
	return ok
}

// Span measures fn as a span. With no open trace context, fn runs unrecorded;
// tracing is best-effort and never fails the caller. Otherwise the span's
// parent is the innermost enclosing span, and nested Span calls made through
// the context passed to fn attach under this one. The completed span is
// appended in a deferred block, so it is recorded even when fn panics, and
// the enclosing span is restored simply by ctx scoping.
func (r *Recorder) Span(ctx context.Context, label, category string, fn func(context.Context) error) error {
	tc, ok := fromContext(ctx)
	if !ok {
		return fn(ctx)
	}

	tc.mu.Lock()
	id := tc.nextSpanID
	tc.nextSpanID++
	tc.mu.Unlock()

	parent := parentFromContext(ctx)
	start := r.now()

	defer func() {
		sp := Span{
			ID:          id,
			Label:       label,
			Category:    category,
			StartOffset: durationMs(start.Sub(tc.start)),
			Duration:    durationMs(r.now().Sub(start)),
		}
		if parent != 0 {
			p := parent
			sp.ParentID = &p
		}
		tc.mu.Lock()
		tc.spans = append(tc.spans, sp)
		tc.mu.Unlock()
	}()

	return fn(context.WithValue(ctx, parentKey{}, id))
}

// AddSpan records an already-completed unit of work observed externally,
// for example a database call reported by an event after the fact. The
// offsets are taken as given rather than measured. With no open trace
// context this is a no-op.
func (r *Recorder) AddSpan(ctx context.Context, label, category string, startOffset, duration float64, metadata map[string]any) {
	tc, ok := fromContext(ctx)
	if !ok {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	sp := Span{
		ID:          tc.nextSpanID,
		Label:       label,
		Category:    category,
		StartOffset: startOffset,
		Duration:    duration,
		Metadata:    metadata,
	}
	tc.nextSpanID++
	if parent := parentFromContext(ctx); parent != 0 {
		p := parent
		sp.ParentID = &p
	}
	tc.spans = append(tc.spans, sp)
}

// ObserveQuery implements QueryObserver: a completed database query becomes
// a category-db span attributed to whichever trace ctx belongs to.
func (r *Recorder) ObserveQuery(ctx context.Context, query string, start time.Time, err error) {
	tc, ok := fromContext(ctx)
	if !ok {
		return
	}

	var metadata map[string]any
	if err != nil {
		metadata = map[string]any{"error": err.Error()}
	}
	r.AddSpan(ctx, query, "db",
		durationMs(start.Sub(tc.start)),
		durationMs(r.now().Sub(start)),
		metadata)
}

// Warn captures a warning into the active trace context, if any, and always
// forwards it to the logger so host behavior is unchanged.
func (r *Recorder) Warn(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	if tc, ok := fromContext(ctx); ok {
		tc.mu.Lock()
		tc.warnings = append(tc.warnings, msg)
		tc.mu.Unlock()
	}
	if logger != nil {
		logger.Warn(msg, fields...)
	}
}

// Finish converts the active trace context into an immutable TraceRecord,
// pushes it into the bounded log, and returns it. Returns nil when ctx
// carries no trace context. The context itself is simply abandoned after
// this call.
func (r *Recorder) Finish(ctx context.Context, method, url string, statusCode int) *TraceRecord {
	tc, ok := fromContext(ctx)
	if !ok {
		return nil
	}

	end := r.now()

	tc.mu.Lock()
	spans := make([]Span, len(tc.spans))
	copy(spans, tc.spans)
	warnings := make([]string, len(tc.warnings))
	copy(warnings, tc.warnings)
	tc.mu.Unlock()

	rec := &TraceRecord{
		ID:            r.log.NextID(),
		Method:        method,
		URL:           url,
		StatusCode:    statusCode,
		TotalDuration: durationMs(end.Sub(tc.start)),
		SpanCount:     len(spans),
		Spans:         spans,
		Warnings:      warnings,
		Timestamp:     tc.start.UnixMilli(),
	}
	r.log.Push(rec)
	return rec
}

func fromContext(ctx context.Context) (*traceContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*traceContext)
	return tc, ok
}

func parentFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(parentKey{}).(int64)
	return id
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
