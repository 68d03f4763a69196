package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"authcore.org/internal/auth"
)

type auditStore struct {
	db *sql.DB
}

// Append is insert-only. There is no update or delete path for audit rows
// anywhere in this package.
func (s *auditStore) Append(ctx context.Context, event *auth.AuditEvent) error {
	var fields []byte
	if len(event.Fields) > 0 {
		data, err := json.Marshal(event.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		fields = data
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, occurred_at, actor_id, kind, outcome, severity, ip, user_agent, resource_id, fields)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.OccurredAt, nullIfEmpty(event.ActorID), event.Kind, event.Outcome,
		string(event.Severity), nullIfEmpty(event.Client.IP), nullIfEmpty(event.Client.UserAgent),
		nullIfEmpty(event.ResourceID), nullableJSON(fields))
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *auditStore) List(ctx context.Context, limit int, before time.Time) ([]auth.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, coalesce(actor_id, ''), kind, outcome, severity,
		       coalesce(ip, ''), coalesce(user_agent, ''), coalesce(resource_id, ''), fields
		from audit_events
		where ($2::timestamptz is null or occurred_at < $2)
		order by occurred_at desc
		limit $1
	`, limit, nullIfZero(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []auth.AuditEvent
	for rows.Next() {
		var (
			event    auth.AuditEvent
			severity string
			fields   []byte
		)
		if err := rows.Scan(&event.ID, &event.OccurredAt, &event.ActorID, &event.Kind, &event.Outcome,
			&severity, &event.Client.IP, &event.Client.UserAgent, &event.ResourceID, &fields); err != nil {
			return nil, err
		}
		event.Severity = auth.AuditSeverity(severity)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &event.Fields); err != nil {
				return nil, fmt.Errorf("decode audit fields: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
