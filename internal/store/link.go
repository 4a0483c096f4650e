package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/model"
)

// LinkParams holds parameters for creating/removing a link.
type LinkParams struct {
	FromNS  string // namespace of source
	FromKey string // key of source
	ToNS    string
	ToKey   string
	Rel     string // relates_to | contradicts | depends_on | refines
	Remove  bool
}

// Link represents a relation between two memories.
type Link struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Rel       string `json:"rel"`
	CreatedAt string `json:"created_at,omitempty"`
	// Set only on the result of Link.
	Action   string `json:"action,omitempty"`
	ToAuthor string `json:"to_author,omitempty"`
	EventID  int64  `json:"event_id,omitempty"`
}

// RelContradicts marks a memory as contradicting another one.
const RelContradicts = "contradicts"

var validRels = map[string]bool{
	"relates_to":   true,
	RelContradicts: true,
	"depends_on":   true,
	"refines":      true,
}

// Link creates or removes a relation between two memories and emits
// graph_updated.
func (s *SQLiteStore) Link(ctx context.Context, p LinkParams) (*Link, error) {
	if !validRels[p.Rel] {
		return nil, errors.Wrapf(ErrInvalidParams, "invalid relation %q (valid: relates_to, contradicts, depends_on, refines)", p.Rel)
	}

	return Submit(ctx, s, func(ctx context.Context, tx *Txn) (*Link, error) {
		fromID, err := resolveMemoryID(ctx, tx, p.FromNS, p.FromKey)
		if err != nil {
			return nil, errors.Wrap(err, "resolve from")
		}
		toID, err := resolveMemoryID(ctx, tx, p.ToNS, p.ToKey)
		if err != nil {
			return nil, errors.Wrap(err, "resolve to")
		}
		if fromID == toID {
			return nil, errors.Wrap(ErrInvalidParams, "a memory cannot link to itself")
		}

		link := &Link{FromID: fromID, ToID: toID, Rel: p.Rel, Action: "added"}
		if err := tx.QueryRowContext(ctx,
			`SELECT created_by FROM memories WHERE id = ?`, toID).Scan(&link.ToAuthor); err != nil {
			return nil, errors.Wrap(err, "target author")
		}
		if p.Remove {
			link.Action = "removed"
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM memory_links WHERE from_id = ? AND to_id = ? AND rel = ?`,
				fromID, toID, p.Rel); err != nil {
				return nil, err
			}
		} else {
			link.CreatedAt = FormatTime(tx.Now)
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO memory_links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
				fromID, toID, p.Rel, link.CreatedAt); err != nil {
				return nil, err
			}
		}

		ev, err := tx.Emit(ctx, model.Event{
			Type:       model.EventGraphUpdated,
			SubjectID:  fromID,
			Profile:    p.FromNS,
			Importance: model.ValidPriorities["normal"],
			Payload: mustJSON(map[string]any{
				"action":   link.Action,
				"relation": p.Rel,
				"from_id":  fromID,
				"to_id":    toID,
				"from":     p.FromNS + "/" + p.FromKey,
				"to":       p.ToNS + "/" + p.ToKey,
			}),
		})
		if err != nil {
			return nil, err
		}
		link.EventID = ev.ID
		return link, nil
	})
}

// GetLinks returns all links for a memory.
func (s *SQLiteStore) GetLinks(ctx context.Context, memoryID string) ([]Link, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT from_id, to_id, rel, created_at FROM memory_links
		 WHERE from_id = ? OR to_id = ?`, memoryID, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// resolveMemoryID finds the latest memory ID for a ns:key pair.
func resolveMemoryID(ctx context.Context, tx *Txn, ns, key string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE ns = ? AND key = ? AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`, ns, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrNotFound, "memory %s/%s", ns, key)
	}
	return id, err
}
