package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-hub/internal/model"
)

func TestWriteLaneSerializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
		_, err := tx.ExecContext(ctx, `CREATE TABLE counter (n INTEGER NOT NULL)`)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO counter (n) VALUES (0)`)
		return nil, err
	})
	require.NoError(t, err)

	var inFlight, maxInFlight atomic.Int32
	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
				cur := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					old := maxInFlight.Load()
					if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
						break
					}
				}
				// read-modify-write would lose updates if two ops interleaved
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT n FROM counter`).Scan(&n); err != nil {
					return nil, err
				}
				time.Sleep(time.Millisecond)
				_, err := tx.ExecContext(ctx, `UPDATE counter SET n = ?`, n+1)
				return nil, err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, s.Reader().QueryRow(`SELECT n FROM counter`).Scan(&n))
	assert.Equal(t, writers, n)
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestEventExistsBeforeWriteReturns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.Put(ctx, PutParams{NS: "ns", Key: string(rune('a' + i)), Content: "x"})
			if !assert.NoError(t, err) {
				return
			}
			var n int
			err = s.Reader().QueryRow(`SELECT COUNT(*) FROM events WHERE subject_id = ?`, m.ID).Scan(&n)
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}(i)
	}
	wg.Wait()
}

func TestWriteTimeoutWhenLaneBlocked(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		first <- err
	}()
	<-started

	var ran atomic.Bool
	begin := time.Now()
	_, err := s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.Less(t, time.Since(begin), time.Second)

	close(release)
	require.NoError(t, <-first)

	// the lane drains the abandoned job without running it
	_, err = s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestFailedOperationCommitsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
		if _, err := tx.Emit(ctx, model.Event{Type: model.EventPatternLearned}); err != nil {
			return nil, err
		}
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := HeadEventID(ctx, s.Reader())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCorruptionFailsClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, PutParams{NS: "ns", Key: "k", Content: "kept"})
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Health())

	_, err = s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
		return nil, errors.Wrap(ErrStoreCorrupted, "page 7 checksum mismatch")
	})
	assert.ErrorIs(t, err, ErrStoreCorrupted)
	assert.Equal(t, "read_only", s.Health())

	_, err = s.Put(ctx, PutParams{NS: "ns", Key: "k2", Content: "refused"})
	assert.ErrorIs(t, err, ErrStoreCorrupted)

	got, err := s.Get(ctx, GetParams{NS: "ns", Key: "k"})
	require.NoError(t, err, "reads keep working")
	assert.Equal(t, "kept", got[0].Content)
}

type denyPolicy struct{ agent string }

func (p denyPolicy) Admit(_ context.Context, prov model.Provenance) error {
	if prov.CreatedBy == p.agent {
		return errors.New("denied")
	}
	return nil
}

func TestPolicyGatesBeforeTransaction(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Policy = denyPolicy{agent: "mallory"} })

	_, err := s.Put(agentCtx("mallory", model.ProtocolREST), PutParams{NS: "ns", Key: "k", Content: "x"})
	assert.EqualError(t, err, "denied")

	_, err = s.Put(agentCtx("alice", model.ProtocolREST), PutParams{NS: "ns", Key: "k", Content: "x"})
	assert.NoError(t, err)

	// hub bookkeeping is never gated
	s.SetPolicy(denyPolicy{agent: SystemAgent})
	_, err = s.SubmitWrite(SystemContext(context.Background()), func(ctx context.Context, tx *Txn) (any, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestHooksSeeCommittedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var got []model.Event
	s.AddHook(HookFunc(func(evs []model.Event) { got = append(got, evs...) }))

	m, err := s.Put(ctx, PutParams{NS: "ns", Key: "k", Content: "x"})
	require.NoError(t, err)
	_, err = s.SubmitWrite(ctx, func(ctx context.Context, tx *Txn) (any, error) {
		tx.Emit(ctx, model.Event{Type: model.EventPatternLearned})
		return nil, errors.New("rolled back")
	})
	require.Error(t, err)

	require.Len(t, got, 1, "rolled back events are never published")
	assert.Equal(t, m.ID, got[0].SubjectID)
	assert.NotZero(t, got[0].ID)
	assert.Equal(t, model.EventMemoryCreated, got[0].Type)
}

func TestSubmitAfterClose(t *testing.T) {
	s, err := Open(t.TempDir()+"/closed.db", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Put(context.Background(), PutParams{NS: "ns", Key: "k", Content: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}
