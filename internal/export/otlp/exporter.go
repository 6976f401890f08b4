// Package otlp forwards finished trace records to an OpenTelemetry collector
// over OTLP/gRPC. Forwarding is a fire-and-forget downstream sink: export
// failures are logged and retried on the next batch, and never surface to
// request handling or collection.
package otlp

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pulseboard/pulse/internal/ringlog"
	"github.com/pulseboard/pulse/internal/tracing"
)

// Exporter batches unexported trace records from the bounded log and ships
// them on a fixed interval.
type Exporter struct {
	log         *ringlog.Log[*tracing.TraceRecord]
	serviceName string
	logger      *zap.Logger

	conn   *grpc.ClientConn
	client collectortrace.TraceServiceClient

	lastExported int64
	failing      bool
}

// New dials the collector endpoint (e.g. "127.0.0.1:4317").
func New(endpoint, serviceName string, log *ringlog.Log[*tracing.TraceRecord], logger *zap.Logger) (*Exporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial otlp endpoint %s: %w", endpoint, err)
	}

	return &Exporter{
		log:         log,
		serviceName: serviceName,
		logger:      logger,
		conn:        conn,
		client:      collectortrace.NewTraceServiceClient(conn),
	}, nil
}

// Run exports batches every interval until ctx is canceled, then closes the
// connection.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer e.conn.Close()

	for {
		select {
		case <-ctx.Done():
			// Final flush, bounded.
			flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			e.ExportPending(flushCtx)
			cancel()
			return
		case <-ticker.C:
			e.ExportPending(ctx)
		}
	}
}

// ExportPending ships every record newer than the last exported ID. On
// failure the watermark stays put so the batch is retried next tick; the
// failure is logged only when the sink transitions into the failing state.
func (e *Exporter) ExportPending(ctx context.Context) {
	var batch []*tracing.TraceRecord
	for _, rec := range e.log.Items() {
		if rec.ID > e.lastExported {
			batch = append(batch, rec)
		}
	}
	if len(batch) == 0 {
		return
	}

	req := &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{e.toResourceSpans(batch)},
	}

	if _, err := e.client.Export(ctx, req); err != nil {
		if !e.failing {
			e.failing = true
			e.logger.Error("otlp export failed", zap.Error(err))
		}
		return
	}

	if e.failing {
		e.failing = false
		e.logger.Info("otlp export recovered")
	}
	e.lastExported = batch[len(batch)-1].ID
}

// toResourceSpans converts a batch of trace records into one OTLP
// ResourceSpans. Each record becomes its own trace: a synthetic request root
// span plus one child span per recorded span, with the record's span tree
// preserved underneath.
func (e *Exporter) toResourceSpans(batch []*tracing.TraceRecord) *tracepb.ResourceSpans {
	scope := &tracepb.ScopeSpans{}

	for _, rec := range batch {
		traceID := traceIDFor(rec.ID)
		rootID := spanIDFor(rec.ID, 0)
		startNs := uint64(rec.Timestamp) * uint64(time.Millisecond)

		root := &tracepb.Span{
			TraceId:           traceID,
			SpanId:            rootID,
			Name:              rec.Method + " " + rec.URL,
			Kind:              tracepb.Span_SPAN_KIND_SERVER,
			StartTimeUnixNano: startNs,
			EndTimeUnixNano:   startNs + msToNs(rec.TotalDuration),
			Attributes: []*commonpb.KeyValue{
				strAttr("http.request.method", rec.Method),
				strAttr("url.path", rec.URL),
				intAttr("http.response.status_code", int64(rec.StatusCode)),
			},
		}
		if rec.StatusCode >= 500 {
			root.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}
		}
		scope.Spans = append(scope.Spans, root)

		for _, sp := range rec.Spans {
			parent := rootID
			if sp.ParentID != nil {
				parent = spanIDFor(rec.ID, *sp.ParentID)
			}
			spanStart := startNs + msToNs(sp.StartOffset)

			pbSpan := &tracepb.Span{
				TraceId:           traceID,
				SpanId:            spanIDFor(rec.ID, sp.ID),
				ParentSpanId:      parent,
				Name:              sp.Label,
				Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
				StartTimeUnixNano: spanStart,
				EndTimeUnixNano:   spanStart + msToNs(sp.Duration),
				Attributes: []*commonpb.KeyValue{
					strAttr("pulse.category", sp.Category),
				},
			}
			for k, v := range sp.Metadata {
				pbSpan.Attributes = append(pbSpan.Attributes,
					strAttr("pulse.meta."+k, fmt.Sprint(v)))
			}
			scope.Spans = append(scope.Spans, pbSpan)
		}
	}

	return &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{
				strAttr("service.name", e.serviceName),
			},
		},
		ScopeSpans: []*tracepb.ScopeSpans{scope},
	}
}

// traceIDFor derives a deterministic 16-byte trace ID from the record ID.
func traceIDFor(recID int64) []byte {
	id := make([]byte, 16)
	binary.BigEndian.PutUint64(id[8:], uint64(recID))
	id[0] = 0x70 // non-zero prefix so the ID is never all zeros
	return id
}

// spanIDFor derives a deterministic 8-byte span ID from the record and span
// IDs. Span ID 0 is reserved for the synthetic request root.
func spanIDFor(recID, spanID int64) []byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint32(id[:4], uint32(recID))
	binary.BigEndian.PutUint32(id[4:], uint32(spanID))
	id[0] |= 0x80 // never all zeros
	return id
}

func msToNs(ms float64) uint64 {
	return uint64(ms * float64(time.Millisecond))
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
