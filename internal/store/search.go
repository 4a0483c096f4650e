package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memory-hub/internal/model"
)

// SearchParams holds parameters for searching memories.
type SearchParams struct {
	NS        string
	Query     string
	Kind      string
	CreatedBy string
	Limit     int
}

// Search finds the latest versions whose content or key contains the query
// substring. Ranking is recency only.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	query := "%" + p.Query + "%"

	where := []string{"m.deleted_at IS NULL"}
	args := []interface{}{}

	if p.NS != "" {
		where = append(where, "m.ns = ?")
		args = append(args, p.NS)
	}
	if p.Kind != "" {
		where = append(where, "m.kind = ?")
		args = append(args, p.Kind)
	}
	if p.CreatedBy != "" {
		where = append(where, "m.created_by = ?")
		args = append(args, p.CreatedBy)
	}

	sql := fmt.Sprintf(`
		SELECT %s
		FROM memories m
		INNER JOIN (
			SELECT ns, key, MAX(version) AS max_ver
			FROM memories WHERE deleted_at IS NULL
			GROUP BY ns, key
		) latest ON m.ns = latest.ns AND m.key = latest.key AND m.version = latest.max_ver
		WHERE %s AND (m.content LIKE ? OR m.key LIKE ?)
		ORDER BY m.created_at DESC
		LIMIT ?`, prefixed("m", memoryColumns), strings.Join(where, " AND "))

	args = append(args, query, query, limit)

	rows, err := s.reader.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}

	return results, rows.Err()
}
