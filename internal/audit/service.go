package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/database"
)

// Service writes the coordinator's lifecycle events to the audit trail.
// Writes are best-effort: a failed audit insert is logged, never allowed
// to fail the operation it describes.
type Service struct {
	db     *database.Postgres
	logger *zap.Logger
}

// NewService creates an audit service
func NewService(db *database.Postgres, logger *zap.Logger) *Service {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return &Service{db: db, logger: logger}
}

// LogEvent logs an audit event to the database
func (s *Service) LogEvent(ctx context.Context, event *Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (id, timestamp, event_type, severity, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`

	var metadata interface{}
	if metadataJSON != nil {
		metadata = metadataJSON
	}
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, string(event.EventType), string(event.Severity),
		event.Message, metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Events retrieves audit events, newest first
func (s *Service) Events(ctx context.Context, q Query) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	query := `
		SELECT id, timestamp, event_type, severity, message, metadata
		FROM audit_events WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if q.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, string(q.EventType))
		argIdx++
	}
	if !q.Since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, q.Since)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", argIdx)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			severity  string
			metadata  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &severity, &e.Message, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Severity = Severity(severity)
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *Service) log(event *Event) {
	if err := s.LogEvent(context.Background(), event); err != nil {
		s.logger.Error("audit write failed",
			zap.String("event_type", string(event.EventType)), zap.Error(err))
	}
}

// FallbackActivated records entry into fallback mode
func (s *Service) FallbackActivated(reason string) {
	s.log(&Event{
		EventType: EventTypeFallbackActivated,
		Severity:  SeverityWarning,
		Message:   "fallback mode activated: " + reason,
		Metadata:  map[string]interface{}{"reason": reason},
	})
}

// FallbackDeactivated records recovery to normal routing
func (s *Service) FallbackDeactivated(duration time.Duration, tasksProcessed int) {
	s.log(&Event{
		EventType: EventTypeFallbackDeactivated,
		Message:   "fallback mode deactivated",
		Metadata: map[string]interface{}{
			"window_duration_seconds": duration.Seconds(),
			"tasks_processed":         tasksProcessed,
		},
	})
}

// RunStarted records the start of a migration run
func (s *Service) RunStarted(id uuid.UUID, direction string) {
	s.log(&Event{
		EventType: EventTypeRunStarted,
		Message:   fmt.Sprintf("migration run %s started (%s)", id, direction),
		Metadata:  map[string]interface{}{"run_id": id.String(), "direction": direction},
	})
}

// RunFinished records the terminal state of a migration run
func (s *Service) RunFinished(id uuid.UUID, status string, migrated, failed, validationErrors int) {
	severity := SeverityInfo
	if status == "failed" {
		severity = SeverityError
	}
	s.log(&Event{
		EventType: EventTypeRunFinished,
		Severity:  severity,
		Message:   fmt.Sprintf("migration run %s finished: %s", id, status),
		Metadata: map[string]interface{}{
			"run_id":            id.String(),
			"status":            status,
			"migrated":          migrated,
			"failed":            failed,
			"validation_errors": validationErrors,
		},
	})
}

// RollbackExecuted records a rollback plan execution
func (s *Service) RollbackExecuted(planID uuid.UUID, steps, failed int) {
	severity := SeverityInfo
	if failed > 0 {
		severity = SeverityWarning
	}
	s.log(&Event{
		EventType: EventTypeRollbackExecuted,
		Severity:  severity,
		Message:   fmt.Sprintf("rollback plan %s executed", planID),
		Metadata: map[string]interface{}{
			"plan_id":      planID.String(),
			"steps":        steps,
			"failed_steps": failed,
		},
	})
}
