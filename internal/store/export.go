package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/model"
)

// ExportParams filters an export.
type ExportParams struct {
	NS        string
	CreatedBy string
	// MinTrust drops records stamped below this score. Zero keeps everything.
	MinTrust float64
}

// ExportAll returns all non-deleted memory versions matching p, provenance
// included.
func (s *SQLiteStore) ExportAll(ctx context.Context, p ExportParams) ([]model.Memory, error) {
	if p.MinTrust < 0 || p.MinTrust > 1 {
		return nil, errors.Wrapf(ErrInvalidParams, "min trust %v outside [0,1]", p.MinTrust)
	}
	where := []string{"deleted_at IS NULL"}
	args := []interface{}{}

	if p.NS != "" {
		where = append(where, "ns = ?")
		args = append(args, p.NS)
	}
	if p.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, p.CreatedBy)
	}
	if p.MinTrust > 0 {
		where = append(where, "trust_score >= ?")
		args = append(args, p.MinTrust)
	}

	query := `SELECT ` + memoryColumns + `
	          FROM memories WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ns, key, version`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// ImportOperation names the provenance step appended to imported records.
const ImportOperation = "import"

// Import stores exported memories as writes by the caller in a single
// transaction. Each record keeps its exported chain plus an import step
// naming the original id, and emits its own event. Nothing is stored if any
// record fails.
func (s *SQLiteStore) Import(ctx context.Context, memories []model.Memory) ([]*model.Memory, error) {
	for _, m := range memories {
		if err := validatePut(m.NS, m.Key, m.Kind, m.Priority); err != nil {
			return nil, errors.Wrapf(err, "record %s", m.ID)
		}
	}
	return Submit(ctx, s, func(ctx context.Context, tx *Txn) ([]*model.Memory, error) {
		out := make([]*model.Memory, 0, len(memories))
		for _, m := range memories {
			importance := m.Importance
			prov := tx.Provenance
			if m.ID != "" {
				prov = s.stamper.Derive(tx.Provenance, m.Provenance, ImportOperation, m.ID, tx.Now)
			}
			mem, err := s.putTx(ctx, tx, PutParams{
				NS:         m.NS,
				Key:        m.Key,
				Content:    m.Content,
				Kind:       m.Kind,
				Tags:       m.Tags,
				Priority:   m.Priority,
				Importance: &importance,
				Meta:       m.Meta,
			}, prov)
			if err != nil {
				return nil, errors.Wrapf(err, "import %s/%s", m.NS, m.Key)
			}
			out = append(out, mem)
		}
		return out, nil
	})
}
