package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents a file being encrypted and published.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a proxy download, full or ranged.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKeyResolution represents a manifest key being resolved.
	EventTypeKeyResolution EventType = "key_resolution"
	// EventTypeSession represents a session being stored or cleared.
	EventTypeSession EventType = "session"
	// EventTypeAccess represents an access operation.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	ContentID string                 `json:"content_id,omitempty"`
	FileName  string                 `json:"file_name,omitempty"`
	Format    string                 `json:"format,omitempty"`
	Range     string                 `json:"range,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Subject   string                 `json:"subject,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs a file encrypted and published as contentID.
	LogEncrypt(contentID, fileName, format string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDecrypt logs a download of byteRange from contentID.
	LogDecrypt(contentID, byteRange string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogKeyResolution logs a key resolved from source.
	LogKeyResolution(contentID, source string, success bool, err error, duration time.Duration)

	// LogSession logs a session operation ("store" or "logout").
	LogSession(operation, subject string, success bool, err error)

	// LogAccess logs a general access operation.
	LogAccess(eventType, contentID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	now       func() time.Time
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger. A nil writer writes events through
// the standard logrus logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewLogrusWriter(logrus.StandardLogger())
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		now:       time.Now,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	var werr error
	if l.writer != nil {
		werr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return werr
}

func (l *auditLogger) logResult(event *AuditEvent, success bool, err error) {
	event.Success = success
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogEncrypt logs a file encrypted and published as contentID.
func (l *auditLogger) LogEncrypt(contentID, fileName, format string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.logResult(&AuditEvent{
		EventType: EventTypeEncrypt,
		Operation: "encrypt",
		ContentID: contentID,
		FileName:  fileName,
		Format:    format,
		Duration:  duration,
		Metadata:  metadata,
	}, success, err)
}

// LogDecrypt logs a download of byteRange from contentID.
func (l *auditLogger) LogDecrypt(contentID, byteRange string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.logResult(&AuditEvent{
		EventType: EventTypeDecrypt,
		Operation: "decrypt",
		ContentID: contentID,
		Range:     byteRange,
		Duration:  duration,
		Metadata:  metadata,
	}, success, err)
}

// LogKeyResolution logs a key resolved from source.
func (l *auditLogger) LogKeyResolution(contentID, source string, success bool, err error, duration time.Duration) {
	l.logResult(&AuditEvent{
		EventType: EventTypeKeyResolution,
		Operation: "resolve",
		ContentID: contentID,
		Source:    source,
		Duration:  duration,
	}, success, err)
}

// LogSession logs a session operation.
func (l *auditLogger) LogSession(operation, subject string, success bool, err error) {
	l.logResult(&AuditEvent{
		EventType: EventTypeSession,
		Operation: operation,
		Subject:   subject,
	}, success, err)
}

// LogAccess logs a general access operation.
func (l *auditLogger) LogAccess(eventType, contentID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	l.logResult(&AuditEvent{
		EventType: EventType(eventType),
		Operation: eventType,
		ContentID: contentID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Duration:  duration,
	}, success, err)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes each event as one structured log line.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer logging through logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	for k, v := range map[string]string{
		"content_id": event.ContentID,
		"file_name":  event.FileName,
		"format":     event.Format,
		"range":      event.Range,
		"source":     event.Source,
		"subject":    event.Subject,
		"client_ip":  event.ClientIP,
		"request_id": event.RequestID,
		"error":      event.Error,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}
	w.logger.WithFields(fields).Info("audit")
	return nil
}
