package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/image-keyring/internal/errs"
	"github.com/kenneth/image-keyring/internal/model"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTypeKeyCreate     EventType = "key_create"
	EventTypeKeyActivate   EventType = "key_activate"
	EventTypeKeyRetire     EventType = "key_retire"
	EventTypeKeyDeprecate  EventType = "key_deprecate"
	EventTypeKeyPurge      EventType = "key_purge"
	EventTypeKeyDelete     EventType = "key_delete"
	EventTypeRotationStart EventType = "rotation_start"
	// EventTypeRotationCancel is recorded when cancellation is requested,
	// not when the worker observes it.
	EventTypeRotationCancel EventType = "rotation_cancel"
	EventTypeRotationFinish EventType = "rotation_finish"
	EventTypeEncrypt        EventType = "encrypt"
	EventTypeDecrypt        EventType = "decrypt"
	EventTypeReEncrypt      EventType = "re_encrypt"
)

// AuditEvent represents a single audit log event. It never carries key
// material, and Error holds an error category rather than message text.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Actor      string                 `json:"actor,omitempty"`
	KeyID      int64                  `json:"key_id,omitempty"`
	KeyVersion int                    `json:"key_version,omitempty"`
	Algorithm  string                 `json:"algorithm,omitempty"`
	ImageID    string                 `json:"image_id,omitempty"`
	RotationID string                 `json:"rotation_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an event.
	Log(event *AuditEvent) error

	// LogKeyEvent records a key lifecycle change. key may be nil when the
	// lookup itself failed; kid is used then.
	LogKeyEvent(eventType EventType, actor string, kid int64, key *model.EncryptionKey, err error)

	// LogRotationEvent records a rotation lifecycle change.
	LogRotationEvent(eventType EventType, actor string, op *model.RotationOperation, err error)

	// LogImageOperation records an encrypt, decrypt or re-encrypt of one image.
	LogImageOperation(eventType EventType, imageID string, kid int64, algorithm string, err error, duration time.Duration)

	// Events returns the retained events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger keeps the last maxEvents events in memory and forwards each
// to a writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger. A nil writer prints JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event. Writer failures are swallowed so auditing never
// fails the audited operation.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) LogKeyEvent(eventType EventType, actor string, kid int64, key *model.EncryptionKey, err error) {
	event := &AuditEvent{
		EventType: eventType,
		Actor:     actor,
		KeyID:     kid,
		Success:   err == nil,
		Error:     errs.Category(err),
	}
	if key != nil {
		event.KeyID = key.ID
		event.KeyVersion = key.Version
		event.Algorithm = key.Algorithm
		event.Metadata = map[string]interface{}{"status": string(key.Status)}
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogRotationEvent(eventType EventType, actor string, op *model.RotationOperation, err error) {
	event := &AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Success:   err == nil,
		Error:     errs.Category(err),
	}
	if op != nil {
		event.KeyID = op.ToKeyID
		if op.ID != uuid.Nil {
			event.RotationID = op.ID.String()
		}
		md := map[string]interface{}{
			"status":           string(op.Status),
			"total_images":     op.TotalImages,
			"processed_images": op.ProcessedImages,
			"failed_images":    op.FailedImages,
		}
		if op.FromKeyID != nil {
			md["from_key_id"] = *op.FromKeyID
		}
		event.Metadata = md
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogImageOperation(eventType EventType, imageID string, kid int64, algorithm string, err error, duration time.Duration) {
	_ = l.Log(&AuditEvent{
		EventType: eventType,
		KeyID:     kid,
		Algorithm: algorithm,
		ImageID:   imageID,
		Success:   err == nil,
		Error:     errs.Category(err),
		Duration:  duration,
	})
}

// Events returns a copy of the retained events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// JSONWriter writes one JSON object per line.
type JSONWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns a writer emitting JSON lines to out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out}
}

func (w *JSONWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// LogrusWriter routes audit events through the service logger.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer logging each event at info level, or
// warn level for failures.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"success":    event.Success,
	}
	if event.Actor != "" {
		fields["actor"] = event.Actor
	}
	if event.KeyID != 0 {
		fields["key_id"] = event.KeyID
	}
	if event.KeyVersion != 0 {
		fields["key_version"] = event.KeyVersion
	}
	if event.ImageID != "" {
		fields["image_id"] = event.ImageID
	}
	if event.RotationID != "" {
		fields["rotation_id"] = event.RotationID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	for k, v := range event.Metadata {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}

	entry := w.logger.WithFields(fields)
	if event.Success {
		entry.Info("audit")
	} else {
		entry.Warn("audit")
	}
	return nil
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Log(*AuditEvent) error { return nil }
func (nopLogger) LogKeyEvent(EventType, string, int64, *model.EncryptionKey, error) {
}
func (nopLogger) LogRotationEvent(EventType, string, *model.RotationOperation, error) {}
func (nopLogger) LogImageOperation(EventType, string, int64, string, error, time.Duration) {
}
func (nopLogger) Events() []*AuditEvent { return nil }
