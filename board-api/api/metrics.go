package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "prism-board/board-api"
	movesSpanName    = "board-api.MoveItem"
	movesEventName   = "board.move.request"
	movesEventDomain = "board-api"
	movesRoute       = "/api/boards/:boardId/moves"
	observabilityMsg = "observability.event"
)

type moveRequestMetrics struct {
	logger             *log.Logger
	span               trace.Span
	start              time.Time
	authDuration       time.Duration
	decodeDuration     time.Duration
	coordinateDuration time.Duration
	encodeDuration     time.Duration
	crossParent        bool
	replayed           bool
	version            int64
	errorStage         string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, movesSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *moveRequestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *moveRequestMetrics) ObserveCoordinate(d time.Duration) {
	if d > 0 {
		m.coordinateDuration = d
	}
}

func (m *moveRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *moveRequestMetrics) SetCrossParent(v bool) { m.crossParent = v }

func (m *moveRequestMetrics) SetReplayed(v bool) { m.replayed = v }

func (m *moveRequestMetrics) SetVersion(v int64) { m.version = v }

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// severityForStatus maps a response to OpenTelemetry log severity text and number.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case status == 0 && err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func (m *moveRequestMetrics) attributes(status int, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", movesRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("prism.moves.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("prism.moves.cross_parent", m.crossParent),
		attribute.Bool("prism.moves.replayed", m.replayed),
	}
	if m.version > 0 {
		attrs = append(attrs, attribute.Int64("prism.moves.version", m.version))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.decodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.decode_ms", durationToMillis(m.decodeDuration)))
	}
	if m.coordinateDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.coordinate_ms", durationToMillis(m.coordinateDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("prism.moves.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	return attrs
}

// Log ends the request span and emits the observability event on both the span and the
// logger.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)
	attrs := m.attributes(status, err)

	if m.span != nil {
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", movesEventName),
			attribute.String("event.domain", movesEventDomain),
			attribute.String("severity_text", severityText),
		}, attrs...)
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
		if severityText == "ERROR" {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      movesEventName,
		"event.domain":    movesEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrMap,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityMsg)
	case "WARN":
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
