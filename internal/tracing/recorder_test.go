package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pulseboard/pulse/internal/ringlog"
)

func newTestRecorder() *Recorder {
	return NewRecorder(ringlog.New[*TraceRecord](100))
}

// TestSpanWithoutContext tests that span recording is best-effort: with no
// open trace context the wrapped work still runs.
func TestSpanWithoutContext(t *testing.T) {
	r := newTestRecorder()

	ran := false
	err := r.Span(context.Background(), "work", "custom", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run without an active trace context")
	}
	if r.Log().Size() != 0 {
		t.Fatalf("expected no records, got %d", r.Log().Size())
	}

	if rec := r.Finish(context.Background(), "GET", "/x", 200); rec != nil {
		t.Fatalf("expected nil record without context, got %+v", rec)
	}
}

// TestNestedSpans tests the reference scenario: span 'a' wrapping span 'b'
// yields two spans with b's parentId set to a's id.
func TestNestedSpans(t *testing.T) {
	r := newTestRecorder()
	ctx := r.Begin(context.Background())

	err := r.Span(ctx, "a", "custom", func(ctx context.Context) error {
		return r.Span(ctx, "b", "custom", func(ctx context.Context) error {
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := r.Finish(ctx, "GET", "/nested", 200)
	if rec == nil {
		t.Fatal("expected a trace record")
	}
	if rec.SpanCount != 2 || len(rec.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", rec.SpanCount)
	}

	// Inner spans complete first.
	b, a := rec.Spans[0], rec.Spans[1]
	if b.Label != "b" || a.Label != "a" {
		t.Fatalf("unexpected span order: %q then %q", b.Label, a.Label)
	}
	if a.ParentID != nil {
		t.Errorf("expected root span 'a' to have nil parentId, got %v", *a.ParentID)
	}
	if b.ParentID == nil || *b.ParentID != a.ID {
		t.Errorf("expected span 'b' parented under 'a' (id %d), got %v", a.ID, b.ParentID)
	}
}

// TestSpanRestoresParentOnPanic tests that the enclosing span is restored
// via the deferred completion even when the inner fn panics.
func TestSpanRestoresParentOnPanic(t *testing.T) {
	r := newTestRecorder()
	ctx := r.Begin(context.Background())

	err := r.Span(ctx, "outer", "custom", func(ctx context.Context) error {
		func() {
			defer func() { recover() }()
			_ = r.Span(ctx, "boom", "custom", func(ctx context.Context) error {
				panic("inner failure")
			})
		}()

		// A sibling opened after the panic must attach under "outer",
		// not under the failed span.
		return r.Span(ctx, "sibling", "custom", func(ctx context.Context) error {
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := r.Finish(ctx, "GET", "/panic", 500)
	if rec.SpanCount != 3 {
		t.Fatalf("expected 3 spans (outer, boom, sibling), got %d", rec.SpanCount)
	}

	byLabel := map[string]Span{}
	for _, sp := range rec.Spans {
		byLabel[sp.Label] = sp
	}
	outer := byLabel["outer"]
	if boom := byLabel["boom"]; boom.ParentID == nil || *boom.ParentID != outer.ID {
		t.Errorf("expected panicking span under outer, got %v", boom.ParentID)
	}
	if sib := byLabel["sibling"]; sib.ParentID == nil || *sib.ParentID != outer.ID {
		t.Errorf("expected sibling under outer, got %v", sib.ParentID)
	}
}

// TestSpanPropagatesError tests that fn's error is returned unchanged and
// the span is still recorded.
func TestSpanPropagatesError(t *testing.T) {
	r := newTestRecorder()
	ctx := r.Begin(context.Background())

	boom := errors.New("db unavailable")
	err := r.Span(ctx, "failing", "db", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fn error back, got %v", err)
	}

	rec := r.Finish(ctx, "GET", "/err", 500)
	if rec.SpanCount != 1 {
		t.Fatalf("expected the failing span recorded, got %d spans", rec.SpanCount)
	}
}

// TestConcurrentTraceIsolation tests that overlapping Begin scopes never
// cross-contaminate: spans recorded in one scope must not appear in the
// other's record.
func TestConcurrentTraceIsolation(t *testing.T) {
	r := newTestRecorder()

	var wg sync.WaitGroup
	records := make([]*TraceRecord, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			label := "only-in-" + string(rune('a'+i))
			ctx := r.Begin(context.Background())
			for j := 0; j < 20; j++ {
				_ = r.Span(ctx, label, "custom", func(ctx context.Context) error {
					time.Sleep(time.Microsecond)
					return nil
				})
			}
			records[i] = r.Finish(ctx, "GET", "/iso", 200)
		}(i)
	}
	wg.Wait()

	for i, rec := range records {
		if rec.SpanCount != 20 {
			t.Fatalf("record %d: expected 20 spans, got %d", i, rec.SpanCount)
		}
		want := "only-in-" + string(rune('a'+i))
		for _, sp := range rec.Spans {
			if sp.Label != want {
				t.Fatalf("record %d contaminated with span %q", i, sp.Label)
			}
		}
	}
}

// TestAddSpanAndObserveQuery tests after-the-fact span registration.
func TestAddSpanAndObserveQuery(t *testing.T) {
	r := newTestRecorder()
	ctx := r.Begin(context.Background())

	r.AddSpan(ctx, "cache lookup", "cache", 1.5, 0.2, map[string]any{"hit": true})
	r.ObserveQuery(ctx, "SELECT 1", r.now(), nil)
	r.ObserveQuery(ctx, "SELECT broken", r.now(), errors.New("syntax error"))

	// No context: both are silent no-ops.
	r.AddSpan(context.Background(), "ignored", "cache", 0, 0, nil)
	r.ObserveQuery(context.Background(), "ignored", time.Now(), nil)

	rec := r.Finish(ctx, "GET", "/db", 200)
	if rec.SpanCount != 3 {
		t.Fatalf("expected 3 spans, got %d", rec.SpanCount)
	}

	cache := rec.Spans[0]
	if cache.StartOffset != 1.5 || cache.Duration != 0.2 {
		t.Errorf("expected given offsets preserved, got %+v", cache)
	}
	if cache.Metadata["hit"] != true {
		t.Errorf("expected metadata preserved, got %v", cache.Metadata)
	}

	q := rec.Spans[1]
	if q.Category != "db" || q.Label != "SELECT 1" {
		t.Errorf("unexpected query span: %+v", q)
	}
	failed := rec.Spans[2]
	if failed.Metadata["error"] != "syntax error" {
		t.Errorf("expected error captured in metadata, got %v", failed.Metadata)
	}
}

// TestWarnCapturesAndForwards tests that warnings land in the active trace
// and are always forwarded to the logger, context or not.
func TestWarnCapturesAndForwards(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	r := newTestRecorder()
	ctx := r.Begin(context.Background())

	r.Warn(ctx, logger, "slow query detected")
	r.Warn(context.Background(), logger, "unattributed warning")

	rec := r.Finish(ctx, "GET", "/warn", 200)
	if len(rec.Warnings) != 1 || rec.Warnings[0] != "slow query detected" {
		t.Fatalf("expected one captured warning, got %v", rec.Warnings)
	}

	if logs.Len() != 2 {
		t.Fatalf("expected both warnings forwarded to the logger, got %d", logs.Len())
	}
}

// TestTraceRecordJSONShape locks the wire shape consumed by downstream
// storage and UI.
func TestTraceRecordJSONShape(t *testing.T) {
	r := newTestRecorder()
	ctx := r.Begin(context.Background())
	_ = r.Span(ctx, "root", "custom", func(ctx context.Context) error { return nil })
	rec := r.Finish(ctx, "POST", "/api/items", 201)

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, key := range []string{"id", "method", "url", "statusCode", "totalDuration", "spanCount", "spans", "warnings", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in trace record JSON", key)
		}
	}

	spans := m["spans"].([]any)
	sp := spans[0].(map[string]any)
	for _, key := range []string{"id", "parentId", "label", "category", "startOffset", "duration"} {
		if _, ok := sp[key]; !ok {
			t.Errorf("missing key %q in span JSON", key)
		}
	}
	if sp["parentId"] != nil {
		t.Errorf("expected null parentId for root span, got %v", sp["parentId"])
	}
	if _, ok := sp["metadata"]; ok {
		t.Errorf("expected metadata omitted when empty")
	}

	// An empty trace serializes warnings as [], not null.
	ctx2 := r.Begin(context.Background())
	data2, _ := json.Marshal(r.Finish(ctx2, "GET", "/empty", 204))
	var m2 map[string]any
	_ = json.Unmarshal(data2, &m2)
	if m2["warnings"] == nil || m2["spans"] == nil {
		t.Errorf("expected empty arrays for spans/warnings, got %v / %v", m2["spans"], m2["warnings"])
	}
}

// TestFinishIssuesMonotonicIDs tests that record IDs keep increasing across
// many finished traces, including after the log wraps.
func TestFinishIssuesMonotonicIDs(t *testing.T) {
	r := NewRecorder(ringlog.New[*TraceRecord](3))

	var prev int64
	for i := 0; i < 10; i++ {
		ctx := r.Begin(context.Background())
		rec := r.Finish(ctx, "GET", "/seq", 200)
		if rec.ID <= prev {
			t.Fatalf("expected strictly increasing record IDs, got %d after %d", rec.ID, prev)
		}
		prev = rec.ID
	}
	if r.Log().Size() != 3 {
		t.Fatalf("expected log capped at 3, got %d", r.Log().Size())
	}
}
