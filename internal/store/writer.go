package store

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
)

// Operation is one unit of work run on the writer lane inside a single
// transaction. It must not block on anything but the database.
type Operation func(ctx context.Context, tx *Txn) (any, error)

// TrustPolicy gates writes after stamping and before the transaction opens.
type TrustPolicy interface {
	Admit(ctx context.Context, p model.Provenance) error
}

// EventSink persists an event inside the writer transaction and assigns
// its id.
type EventSink interface {
	Append(ctx context.Context, tx *sql.Tx, ev *model.Event) error
}

// Hook observes committed events. It runs on the writer lane and must
// only enqueue work.
type Hook interface {
	AfterCommit(events []model.Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(events []model.Event)

func (f HookFunc) AfterCommit(events []model.Event) { f(events) }

// Txn is the transaction handed to an Operation.
type Txn struct {
	*sql.Tx
	Origin     model.Origin
	Provenance model.Provenance
	// Now is the commit timestamp shared by every row and event of the write.
	Now time.Time

	sink   EventSink
	staged []model.Event
}

// Emit appends ev to the event log within this transaction. Source fields
// default to the stamped provenance. The event is published only after
// the transaction commits.
func (t *Txn) Emit(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.SourceAgent == "" {
		ev.SourceAgent = t.Provenance.CreatedBy
	}
	if ev.SourceProtocol == "" {
		ev.SourceProtocol = t.Provenance.SourceProtocol
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.Now
	}
	if err := t.sink.Append(ctx, t.Tx, &ev); err != nil {
		return ev, err
	}
	t.staged = append(t.staged, ev)
	return ev, nil
}

const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	state    atomic.Int32
	ctx      context.Context
	op       Operation
	origin   model.Origin
	prov     model.Provenance
	deadline time.Time
	done     chan result
}

type result struct {
	v   any
	err error
}

// AttachBus replaces the default event sink. Call before the first write.
func (s *SQLiteStore) AttachBus(sink EventSink) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.sink = sink
}

// AddHook registers a post-commit hook. Hooks run in registration order.
func (s *SQLiteStore) AddHook(h Hook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// SetPolicy swaps the trust gate. nil admits everything.
func (s *SQLiteStore) SetPolicy(p TrustPolicy) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.opts.Policy = p
}

// SubmitWrite stamps the caller's origin, queues op on the writer lane and
// waits for it to commit. It returns ErrWriteTimeout when the wait budget
// runs out before the operation could run or commit.
func (s *SQLiteStore) SubmitWrite(ctx context.Context, op Operation) (any, error) {
	if s.corrupted.Load() {
		return nil, ErrStoreCorrupted
	}

	origin := OriginFrom(ctx)
	prov := s.stamper.Stamp(origin)

	s.hookMu.RLock()
	policy := s.opts.Policy
	s.hookMu.RUnlock()
	if policy != nil && prov.CreatedBy != SystemAgent {
		if err := policy.Admit(ctx, prov); err != nil {
			return nil, err
		}
	}

	j := &job{
		ctx:      ctx,
		op:       op,
		origin:   origin,
		prov:     prov,
		deadline: time.Now().Add(s.opts.Timeout),
		done:     make(chan result, 1),
	}

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()

	select {
	case s.lane <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrap(ErrWriteTimeout, "lane full")
	case <-s.closing:
		return nil, ErrClosed
	}

	select {
	case r := <-j.done:
		return r.v, r.err
	case <-timer.C:
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return nil, errors.Wrap(ErrWriteTimeout, "waiting for writer lane")
		}
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return nil, ctx.Err()
		}
	case <-s.laneDone:
	}

	// The job already started; its outcome is the caller's outcome.
	select {
	case r := <-j.done:
		return r.v, r.err
	case <-s.laneDone:
		select {
		case r := <-j.done:
			return r.v, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Submit is the typed form of SubmitWrite.
func Submit[T any](ctx context.Context, s *SQLiteStore, op func(ctx context.Context, tx *Txn) (T, error)) (T, error) {
	var zero T
	v, err := s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
		return op(ctx, tx)
	})
	if err != nil {
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

func (s *SQLiteStore) runLane() {
	defer close(s.laneDone)
	for {
		select {
		case j := <-s.lane:
			j.done <- s.execute(j)
		case <-s.closing:
			for {
				select {
				case j := <-s.lane:
					j.done <- result{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

const (
	busyBackoffMin = 5 * time.Millisecond
	busyBackoffMax = 100 * time.Millisecond
)

func (s *SQLiteStore) execute(j *job) result {
	if !j.state.CompareAndSwap(jobQueued, jobRunning) {
		return result{err: ErrWriteTimeout}
	}
	if err := j.ctx.Err(); err != nil {
		return result{err: err}
	}
	if !time.Now().Before(j.deadline) {
		return result{err: errors.Wrap(ErrWriteTimeout, "expired in queue")}
	}

	delay := busyBackoffMin
	for attempt := 1; ; attempt++ {
		if s.corrupted.Load() {
			return result{err: ErrStoreCorrupted}
		}

		v, staged, err := s.runTxn(j)
		if err == nil {
			s.afterCommit(staged)
			return result{v: v}
		}

		switch {
		case isCorruption(err):
			s.markCorrupted(err)
			return result{err: ErrStoreCorrupted}
		case isBusy(err):
			if time.Now().Add(delay).After(j.deadline) {
				return result{err: errors.Wrapf(ErrWriteTimeout, "busy after %d attempts", attempt)}
			}
			s.logger.Debug("writer busy, retrying", "attempt", attempt, "delay", delay)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-j.ctx.Done():
				t.Stop()
				return result{err: j.ctx.Err()}
			}
			delay = min(delay*2, busyBackoffMax)
		default:
			return result{err: err}
		}
	}
}

func (s *SQLiteStore) runTxn(j *job) (any, []model.Event, error) {
	tx, err := s.writer.BeginTx(j.ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	s.hookMu.RLock()
	sink := s.sink
	s.hookMu.RUnlock()

	t := &Txn{
		Tx:         tx,
		Origin:     j.origin,
		Provenance: j.prov,
		Now:        s.clock.Now().UTC(),
		sink:       sink,
	}
	v, err := j.op(j.ctx, t)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	return v, t.staged, nil
}

func (s *SQLiteStore) afterCommit(staged []model.Event) {
	if len(staged) == 0 {
		return
	}
	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h.AfterCommit(staged)
	}
}

func (s *SQLiteStore) markCorrupted(err error) {
	if s.corrupted.CompareAndSwap(false, true) {
		s.logger.Error("store corruption detected, refusing further writes", "path", s.path, mylog.Err(err))
	}
}

// defaultSink writes events without validation or tier classification.
type defaultSink struct{}

func (defaultSink) Append(ctx context.Context, tx *sql.Tx, ev *model.Event) error {
	return InsertEvent(ctx, tx, ev)
}
