package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
)

// Options configures a SQLiteStore.
type Options struct {
	// Timeout is the wait budget of a single write, queueing included.
	Timeout time.Duration
	// Readers is the size of the read-only handle pool.
	Readers int
	// BusyTimeout is handed to SQLite's own busy handler.
	BusyTimeout time.Duration
	Policy      TrustPolicy
	Trust       TrustSource
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Readers <= 0 {
		o.Readers = 4
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	o.Logger = mylog.OrDiscard(o.Logger)
	return o
}

// SQLiteStore implements Store using SQLite. All mutations go through one
// writer connection fed by a FIFO lane; reads use a separate query-only pool.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	path   string

	opts    Options
	stamper *Stamper
	logger  *slog.Logger
	clock   clock.Clock

	lane     chan *job
	closing  chan struct{}
	laneDone chan struct{}
	closeMu  sync.Once

	hookMu sync.RWMutex
	sink   EventSink
	hooks  []Hook

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	corrupted atomic.Bool
}

// Open opens or creates a SQLite database at the given path and starts the
// writer lane.
func Open(dbPath string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}

	busy := opts.BusyTimeout.Milliseconds()
	writer, err := sql.Open("sqlite", fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)"+
			"&_pragma=foreign_keys(on)&_pragma=cache_size(-8192)&_pragma=temp_store(memory)&_txlock=immediate",
		dbPath, busy))
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		writer:   writer,
		path:     dbPath,
		opts:     opts,
		stamper:  NewStamper(opts.Trust),
		logger:   opts.Logger,
		clock:    opts.Clock,
		lane:     make(chan *job, 64),
		closing:  make(chan struct{}),
		laneDone: make(chan struct{}),
		sink:     defaultSink{},
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if err := s.migrate(); err != nil {
		if !isCorruption(err) {
			writer.Close()
			return nil, errors.Wrap(err, "migrate")
		}
		s.markCorrupted(err)
	} else if err := s.quickCheck(); err != nil {
		s.markCorrupted(err)
	}

	s.reader, err = sql.Open("sqlite", fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=query_only(1)&_pragma=cache_size(-8192)&_pragma=mmap_size(268435456)",
		dbPath, busy))
	if err != nil {
		writer.Close()
		return nil, errors.Wrap(err, "open read pool")
	}
	s.reader.SetMaxOpenConns(opts.Readers)
	s.reader.SetMaxIdleConns(opts.Readers)

	go s.runLane()
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Reader returns the read-only handle pool.
func (s *SQLiteStore) Reader() *sql.DB { return s.reader }

// Clock returns the clock the store stamps writes with.
func (s *SQLiteStore) Clock() clock.Clock { return s.clock }

// SetTrustSource wires the scorer that supplies trust snapshots.
func (s *SQLiteStore) SetTrustSource(src TrustSource) { s.stamper.SetTrustSource(src) }

// Health reports "ok", or "read_only" once corruption was detected.
func (s *SQLiteStore) Health() string {
	if s.corrupted.Load() {
		return "read_only"
	}
	return "ok"
}

// newID stamps ids from the store clock, so ids sort like created_at.
func (s *SQLiteStore) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), s.entropy).String()
}

// NewID returns a fresh ULID.
func (s *SQLiteStore) NewID() string { return s.newID() }

func (s *SQLiteStore) quickCheck() error {
	var res string
	if err := s.writer.QueryRow(`PRAGMA quick_check`).Scan(&res); err != nil {
		return err
	}
	if res != "ok" {
		return errors.Wrapf(ErrStoreCorrupted, "quick_check: %s", res)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		ns          TEXT NOT NULL,
		key         TEXT NOT NULL,
		content     TEXT NOT NULL,
		kind        TEXT NOT NULL DEFAULT 'semantic',
		tags        TEXT,
		version     INTEGER NOT NULL DEFAULT 1,
		supersedes  TEXT,
		created_at  TEXT NOT NULL,
		deleted_at  TEXT,
		priority    TEXT NOT NULL DEFAULT 'normal',
		importance  INTEGER NOT NULL DEFAULT 5,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		meta        TEXT,
		created_by  TEXT NOT NULL DEFAULT 'user',
		source_protocol TEXT NOT NULL DEFAULT 'cli',
		trust_score REAL NOT NULL DEFAULT 1.0,
		provenance_chain TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_ns_key ON memories(ns, key);
	CREATE INDEX IF NOT EXISTS idx_memories_ns_kind ON memories(ns, kind);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_deleted ON memories(deleted_at);
	CREATE INDEX IF NOT EXISTS idx_memories_priority ON memories(ns, priority);
	CREATE INDEX IF NOT EXISTS idx_memories_created_by ON memories(created_by);

	CREATE TABLE IF NOT EXISTS memory_links (
		from_id    TEXT NOT NULL REFERENCES memories(id),
		to_id      TEXT NOT NULL REFERENCES memories(id),
		rel        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON memory_links(to_id);

	CREATE TABLE IF NOT EXISTS events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		type            TEXT NOT NULL,
		subject_id      TEXT,
		profile         TEXT,
		source_agent    TEXT NOT NULL,
		source_protocol TEXT NOT NULL,
		payload         TEXT NOT NULL DEFAULT '{}',
		importance      INTEGER NOT NULL DEFAULT 5,
		retention_tier  TEXT NOT NULL DEFAULT 'hot',
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(source_agent, id);
	CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

	CREATE TABLE IF NOT EXISTS event_aggregates (
		day          TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		source_agent TEXT NOT NULL,
		count        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, event_type, source_agent)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                      TEXT PRIMARY KEY,
		subscriber_id           TEXT NOT NULL,
		channel                 TEXT NOT NULL DEFAULT '*',
		webhook_url             TEXT,
		durable                 INTEGER NOT NULL DEFAULT 1,
		last_delivered_event_id INTEGER NOT NULL DEFAULT 0,
		status                  TEXT NOT NULL DEFAULT 'active',
		last_error              TEXT,
		consecutive_failures    INTEGER NOT NULL DEFAULT 0,
		created_at              TEXT NOT NULL,
		updated_at              TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_registry (
		agent_id      TEXT PRIMARY KEY,
		name          TEXT,
		protocol      TEXT,
		first_seen    TEXT NOT NULL,
		last_seen     TEXT NOT NULL,
		writes_count  INTEGER NOT NULL DEFAULT 0,
		recalls_count INTEGER NOT NULL DEFAULT 0,
		trust_score   REAL NOT NULL DEFAULT 1.0,
		metadata      TEXT
	);

	CREATE TABLE IF NOT EXISTS trust_signals (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id    TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		delta       REAL NOT NULL,
		old_score   REAL NOT NULL,
		new_score   REAL NOT NULL,
		context     TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trust_signals_agent ON trust_signals(agent_id, id);

	CREATE TABLE IF NOT EXISTS consumer_offsets (
		name          TEXT PRIMARY KEY,
		last_event_id INTEGER NOT NULL DEFAULT 0,
		updated_at    TEXT NOT NULL
	);
	`
	_, err := s.writer.Exec(schema)
	return err
}

// Close stops the writer lane and closes both handle sets.
func (s *SQLiteStore) Close() error {
	s.closeMu.Do(func() { close(s.closing) })
	<-s.laneDone
	rerr := s.reader.Close()
	if err := s.writer.Close(); err != nil {
		return err
	}
	return rerr
}

// timeLayout is fixed width in UTC so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the stored timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. Older second-precision values parse too.
func ParseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SQLiteStore) Put(ctx context.Context, p PutParams) (*model.Memory, error) {
	if err := validatePut(p.NS, p.Key, p.Kind, p.Priority); err != nil {
		return nil, err
	}
	return Submit(ctx, s, func(ctx context.Context, tx *Txn) (*model.Memory, error) {
		return s.putTx(ctx, tx, p, tx.Provenance)
	})
}

func validatePut(ns, key, kind, priority string) error {
	if ns == "" || key == "" {
		return errors.Wrap(ErrInvalidParams, "ns and key are required")
	}
	if kind != "" && !model.ValidKinds[kind] {
		return errors.Wrapf(ErrInvalidParams, "invalid kind %q (valid: semantic, episodic, procedural)", kind)
	}
	if _, ok := model.ValidPriorities[priority]; priority != "" && !ok {
		return errors.Wrapf(ErrInvalidParams, "invalid priority %q (valid: low, normal, high, critical)", priority)
	}
	return nil
}

// putTx inserts a new version of ns/key and emits memory_created or
// memory_updated inside the same transaction.
func (s *SQLiteStore) putTx(ctx context.Context, tx *Txn, p PutParams, prov model.Provenance) (*model.Memory, error) {
	now := tx.Now
	id := s.newID()

	kind := p.Kind
	if kind == "" {
		kind = "semantic"
	}
	priority := p.Priority
	if priority == "" {
		priority = "normal"
	}
	importance := model.ImportanceFor(priority, p.Importance)

	var tagsJSON *string
	if len(p.Tags) > 0 {
		b, _ := json.Marshal(p.Tags)
		s := string(b)
		tagsJSON = &s
	}

	var metaPtr *string
	if p.Meta != "" {
		metaPtr = &p.Meta
	}

	var chainJSON *string
	if len(prov.Chain) > 0 {
		b, _ := json.Marshal(prov.Chain)
		s := string(b)
		chainJSON = &s
	}

	// Check for existing latest version
	var prevID string
	var prevVersion int
	err := tx.QueryRowContext(ctx,
		`SELECT id, version FROM memories
		 WHERE ns = ? AND key = ? AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`, p.NS, p.Key).Scan(&prevID, &prevVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	version := 1
	var supersedes *string
	evType := model.EventMemoryCreated
	if err == nil {
		version = prevVersion + 1
		supersedes = &prevID
		evType = model.EventMemoryUpdated
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, ns, key, content, kind, tags, version, supersedes, created_at, priority,
		                       importance, access_count, meta, created_by, source_protocol, trust_score, provenance_chain)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id, p.NS, p.Key, p.Content, kind, tagsJSON, version, supersedes,
		FormatTime(now), priority, importance, metaPtr,
		prov.CreatedBy, string(prov.SourceProtocol), prov.TrustScore, chainJSON)
	if err != nil {
		return nil, errors.Wrap(err, "insert memory")
	}

	mem := &model.Memory{
		ID:             id,
		NS:             p.NS,
		Key:            p.Key,
		Content:        p.Content,
		Kind:           kind,
		Tags:           p.Tags,
		Version:        version,
		CreatedAt:      now,
		Priority:       priority,
		Importance:     importance,
		Meta:           p.Meta,
		CreatedBy:      prov.CreatedBy,
		SourceProtocol: prov.SourceProtocol,
		TrustScore:     prov.TrustScore,
		Provenance:     prov.Chain,
	}
	if supersedes != nil {
		mem.Supersedes = *supersedes
	}

	data := map[string]any{
		"ns":       mem.NS,
		"key":      mem.Key,
		"version":  mem.Version,
		"kind":     mem.Kind,
		"priority": mem.Priority,
	}
	if len(mem.Tags) > 0 {
		data["tags"] = mem.Tags
	}
	if mem.Supersedes != "" {
		data["supersedes"] = mem.Supersedes
	}
	if n := len(prov.Chain); n > 0 {
		data["derived_from"] = prov.Chain[n-1].SourceID
	}
	if _, err := tx.Emit(ctx, model.Event{
		Type:       evType,
		SubjectID:  mem.ID,
		Profile:    mem.NS,
		Importance: importance,
		Payload:    mustJSON(data),
	}); err != nil {
		return nil, err
	}
	return mem, nil
}

func (s *SQLiteStore) Get(ctx context.Context, p GetParams) ([]model.Memory, error) {
	var query string
	var args []interface{}

	if p.History {
		query = `SELECT ` + memoryColumns + `
				 FROM memories WHERE ns = ? AND key = ? AND deleted_at IS NULL
				 ORDER BY version DESC`
		args = []interface{}{p.NS, p.Key}
	} else if p.Version > 0 {
		query = `SELECT ` + memoryColumns + `
				 FROM memories WHERE ns = ? AND key = ? AND version = ? AND deleted_at IS NULL
				 LIMIT 1`
		args = []interface{}{p.NS, p.Key, p.Version}
	} else {
		query = `SELECT ` + memoryColumns + `
				 FROM memories WHERE ns = ? AND key = ? AND deleted_at IS NULL
				 ORDER BY version DESC LIMIT 1`
		args = []interface{}{p.NS, p.Key}
	}

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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(memories) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "memory %s/%s", p.NS, p.Key)
	}
	return memories, nil
}

func (s *SQLiteStore) Recall(ctx context.Context, ns, key string) (*model.Memory, error) {
	return Submit(ctx, s, func(ctx context.Context, tx *Txn) (*model.Memory, error) {
		return s.recallTx(ctx, tx, ns, key)
	})
}

func (s *SQLiteStore) recallTx(ctx context.Context, tx *Txn, ns, key string) (*model.Memory, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE ns = ? AND key = ? AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`, ns, key)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "memory %s/%s", ns, key)
	}
	if err != nil {
		return nil, err
	}

	now := tx.Now
	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		FormatTime(now), m.ID); err != nil {
		return nil, err
	}
	m.AccessCount++
	m.LastAccessedAt = &now

	if _, err := tx.Emit(ctx, model.Event{
		Type:       model.EventMemoryRecalled,
		SubjectID:  m.ID,
		Profile:    m.NS,
		Importance: m.Importance,
		Payload: mustJSON(map[string]any{
			"ns":         m.NS,
			"key":        m.Key,
			"version":    m.Version,
			"created_by": m.CreatedBy,
		}),
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	// Build a query that returns only the latest version of each ns+key
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

	// Tag filtering
	for _, tag := range p.Tags {
		where = append(where, "m.tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM memories m
		INNER JOIN (
			SELECT ns, key, MAX(version) AS max_ver
			FROM memories WHERE deleted_at IS NULL
			GROUP BY ns, key
		) latest ON m.ns = latest.ns AND m.key = latest.key AND m.version = latest.max_ver
		WHERE %s
		ORDER BY m.created_at DESC
		LIMIT ?`, prefixed("m", memoryColumns), strings.Join(where, " AND "))
	args = append(args, limit)

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
		if p.KeysOnly {
			m.Content = ""
		}
		memories = append(memories, m)
	}

	return memories, rows.Err()
}

func (s *SQLiteStore) Rm(ctx context.Context, p RmParams) error {
	_, err := Submit(ctx, s, func(ctx context.Context, tx *Txn) (struct{}, error) {
		return struct{}{}, s.rmTx(ctx, tx, p)
	})
	return err
}

func (s *SQLiteStore) rmTx(ctx context.Context, tx *Txn, p RmParams) error {
	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE ns = ? AND key = ? AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`, p.NS, p.Key)
	latest, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "memory %s/%s", p.NS, p.Key)
	}
	if err != nil {
		return err
	}

	switch {
	case p.Hard && p.AllVersions:
		ids := `SELECT id FROM memories WHERE ns = ? AND key = ?`
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_links WHERE from_id IN (`+ids+`) OR to_id IN (`+ids+`)`,
			p.NS, p.Key, p.NS, p.Key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE ns = ? AND key = ?`, p.NS, p.Key); err != nil {
			return err
		}
	case p.Hard:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_links WHERE from_id = ? OR to_id = ?`, latest.ID, latest.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, latest.ID); err != nil {
			return err
		}
	case p.AllVersions:
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET deleted_at = ? WHERE ns = ? AND key = ? AND deleted_at IS NULL`,
			FormatTime(tx.Now), p.NS, p.Key); err != nil {
			return err
		}
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET deleted_at = ? WHERE id = ?`, FormatTime(tx.Now), latest.ID); err != nil {
			return err
		}
	}

	_, err = tx.Emit(ctx, model.Event{
		Type:       model.EventMemoryDeleted,
		SubjectID:  latest.ID,
		Profile:    latest.NS,
		Importance: latest.Importance,
		Payload: mustJSON(map[string]any{
			"ns":           latest.NS,
			"key":          latest.Key,
			"version":      latest.Version,
			"hard":         p.Hard,
			"all_versions": p.AllVersions,
			"created_at":   latest.CreatedAt.UTC().Format(time.RFC3339Nano),
			"created_by":   latest.CreatedBy,
		}),
	})
	return err
}

func (s *SQLiteStore) Derive(ctx context.Context, p DeriveParams) (*model.Memory, error) {
	if err := validatePut(p.NS, p.Key, p.Kind, p.Priority); err != nil {
		return nil, err
	}
	op := p.Operation
	if op == "" {
		op = "derivation"
	}
	return Submit(ctx, s, func(ctx context.Context, tx *Txn) (*model.Memory, error) {
		row := tx.QueryRowContext(ctx,
			`SELECT `+memoryColumns+` FROM memories
			 WHERE ns = ? AND key = ? AND deleted_at IS NULL
			 ORDER BY version DESC LIMIT 1`, p.SourceNS, p.SourceKey)
		src, err := scanMemory(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "source memory %s/%s", p.SourceNS, p.SourceKey)
		}
		if err != nil {
			return nil, err
		}

		kind := p.Kind
		if kind == "" {
			kind = src.Kind
		}
		prov := s.stamper.Derive(tx.Provenance, src.Provenance, op, src.ID, tx.Now)
		return s.putTx(ctx, tx, PutParams{
			NS:       p.NS,
			Key:      p.Key,
			Content:  p.Content,
			Kind:     kind,
			Tags:     p.Tags,
			Priority: p.Priority,
		}, prov)
	})
}

const memoryColumns = `id, ns, key, content, kind, tags, version, supersedes,
	created_at, deleted_at, priority, importance, access_count, last_accessed_at, meta,
	created_by, source_protocol, trust_score, provenance_chain`

// prefixed qualifies every column in cols with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var tagsJSON, supersedes, deletedAt, lastAccessed, meta, chain sql.NullString
	var createdAt, protocol string

	err := row.Scan(
		&m.ID, &m.NS, &m.Key, &m.Content, &m.Kind, &tagsJSON,
		&m.Version, &supersedes, &createdAt, &deletedAt,
		&m.Priority, &m.Importance, &m.AccessCount, &lastAccessed, &meta,
		&m.CreatedBy, &protocol, &m.TrustScore, &chain,
	)
	if err != nil {
		return m, err
	}

	m.CreatedAt = ParseTime(createdAt)
	m.SourceProtocol = model.Protocol(protocol)
	if supersedes.Valid {
		m.Supersedes = supersedes.String
	}
	if deletedAt.Valid {
		t := ParseTime(deletedAt.String)
		m.DeletedAt = &t
	}
	if lastAccessed.Valid {
		t := ParseTime(lastAccessed.String)
		m.LastAccessedAt = &t
	}
	if meta.Valid {
		m.Meta = meta.String
	}
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}
	if chain.Valid {
		json.Unmarshal([]byte(chain.String), &m.Provenance)
	}

	return m, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
