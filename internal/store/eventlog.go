package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/model"
)

// EventColumns is the column list ScanEvent expects.
const EventColumns = `id, type, subject_id, profile, source_agent, source_protocol,
	payload, importance, retention_tier, created_at`

// InsertEvent appends ev to the events table and sets ev.ID.
func InsertEvent(ctx context.Context, tx *sql.Tx, ev *model.Event) error {
	if ev.Tier == "" {
		ev.Tier = model.TierHot
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (type, subject_id, profile, source_agent, source_protocol, payload, importance, retention_tier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Type.String(), nullable(ev.SubjectID), nullable(ev.Profile), ev.SourceAgent,
		string(ev.SourceProtocol), string(payload), ev.Importance, string(ev.Tier),
		FormatTime(ev.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

// ScanEvent reads one row selected with EventColumns.
func ScanEvent(row scanner) (model.Event, error) {
	var ev model.Event
	var typ, protocol, tier, payload, createdAt string
	var subject, profile sql.NullString

	if err := row.Scan(&ev.ID, &typ, &subject, &profile, &ev.SourceAgent, &protocol,
		&payload, &ev.Importance, &tier, &createdAt); err != nil {
		return ev, err
	}
	ev.Type, _ = model.ParseEventType(typ)
	ev.SubjectID = subject.String
	ev.Profile = profile.String
	ev.SourceProtocol = model.Protocol(protocol)
	ev.Payload = json.RawMessage(payload)
	ev.Tier = model.Tier(tier)
	ev.CreatedAt = ParseTime(createdAt)
	return ev, nil
}

// HeadEventID returns the highest event id, or 0 for an empty log.
func HeadEventID(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (int64, error) {
	var id sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
