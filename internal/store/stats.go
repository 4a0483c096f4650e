package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath         string           `json:"db_path"`
	DBSizeBytes    int64            `json:"db_size_bytes"`
	Health         string           `json:"health"`
	TotalMemories  int              `json:"total_memories"`
	ActiveMemories int              `json:"active_memories"`
	TotalLinks     int              `json:"total_links"`
	Namespaces     []NamespaceStats `json:"namespaces"`
	Authors        []AuthorStats    `json:"authors"`
}

// NamespaceStats holds per-namespace counts.
type NamespaceStats struct {
	NS    string `json:"ns"`
	Count int    `json:"count"`
	Keys  int    `json:"keys"`
}

// AuthorStats counts active memories per created_by.
type AuthorStats struct {
	CreatedBy string  `json:"created_by"`
	Count     int     `json:"count"`
	AvgTrust  float64 `json:"avg_trust_score"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path, Health: s.Health()}

	// DB file size
	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories)
	s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&st.ActiveMemories)
	s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_links`).Scan(&st.TotalLinks)

	rows, err := s.reader.QueryContext(ctx, `
		SELECT ns, COUNT(*) as cnt, COUNT(DISTINCT key) as keys
		FROM memories WHERE deleted_at IS NULL
		GROUP BY ns ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ns NamespaceStats
		rows.Scan(&ns.NS, &ns.Count, &ns.Keys)
		st.Namespaces = append(st.Namespaces, ns)
	}
	rows.Close()

	rows, err = s.reader.QueryContext(ctx, `
		SELECT created_by, COUNT(*), AVG(trust_score)
		FROM memories WHERE deleted_at IS NULL
		GROUP BY created_by ORDER BY COUNT(*) DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var a AuthorStats
		rows.Scan(&a.CreatedBy, &a.Count, &a.AvgTrust)
		st.Authors = append(st.Authors, a)
	}

	return st, rows.Err()
}
