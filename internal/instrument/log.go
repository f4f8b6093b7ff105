package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"baas-gateway/internal/logger"
)

// LogInstrumenter writes every finished span as one structured log entry.
type LogInstrumenter struct {
	Level logrus.Level
}

// NewLogInstrumenter creates a LogInstrumenter logging at debug level.
func NewLogInstrumenter() *LogInstrumenter {
	return &LogInstrumenter{Level: logrus.DebugLevel}
}

// StartSpan creates a new span and returns the updated context.
func (i *LogInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	spanID := newUUID()
	span := &LogSpan{
		log:          logger.FromContext(ctx),
		level:        i.Level,
		traceID:      GetTraceID(ctx),
		spanID:       spanID,
		parentSpanID: getParentSpanID(ctx),
		userID:       getUserID(ctx),
		source:       source,
		component:    component,
		action:       action,
		startTime:    time.Now(),
		metadata:     make(map[string]any),
	}
	// Child spans reference this span as parent
	return WithParentSpanID(ctx, spanID), span
}

// LogSpan implements Span with timing and metadata.
type LogSpan struct {
	log          *logrus.Entry
	level        logrus.Level
	traceID      string
	spanID       string
	parentSpanID string
	userID       string
	source       string
	component    string
	action       string
	table        string
	recordID     string
	status       string
	startTime    time.Time
	metadata     map[string]any

	mu    sync.Mutex
	ended bool
}

func (s *LogSpan) TraceID() string { return s.traceID }
func (s *LogSpan) SpanID() string  { return s.spanID }

func (s *LogSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *LogSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *LogSpan) SetTable(table, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	s.recordID = recordID
}

func (s *LogSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	fields := logrus.Fields{
		"trace_id":    s.traceID,
		"span_id":     s.spanID,
		"source":      s.source,
		"component":   s.component,
		"action":      s.action,
		"duration_ms": float64(time.Since(s.startTime).Microseconds()) / 1000.0,
	}
	if s.parentSpanID != "" {
		fields["parent_span_id"] = s.parentSpanID
	}
	if s.userID != "" {
		fields["user_id"] = s.userID
	}
	if s.table != "" {
		fields["table"] = s.table
	}
	if s.recordID != "" {
		fields["record_id"] = s.recordID
	}
	if s.status != "" {
		fields["status"] = s.status
	}
	for k, v := range s.metadata {
		fields[k] = v
	}
	s.log.WithFields(fields).Log(s.level, "span")
}
