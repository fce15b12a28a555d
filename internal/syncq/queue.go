package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"fleetinspect/internal/cache"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/metrics"
	"fleetinspect/internal/remote"
	"fleetinspect/pkg/log"
)

var (
	// ErrRemoteUnavailable wraps transport failures that stopped a drain.
	ErrRemoteUnavailable = errors.New("remote service unavailable")
	ErrNotFound          = errors.New("mutation not found")
)

// RejectedError reports a mutation the backend refused. The mutation has
// been moved to the dead letter list and the drain stopped behind it.
type RejectedError struct {
	Mutation domain.PendingMutation
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mutation %s (%s %s) rejected: %v", e.Mutation.ID, e.Mutation.Op, e.Mutation.Entity, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// AppliedFunc observes a mutation the backend confirmed, with the raw result.
type AppliedFunc func(ctx context.Context, m domain.PendingMutation, result json.RawMessage) error

// Queue is the ordered list of pending mutations, persisted under
// pending_changes. Rejected mutations go to rejected_changes.
type Queue struct {
	Store     cache.Store
	Svc       remote.Service
	Now       func() time.Time
	Log       log.Logger
	OnApplied AppliedFunc
	// DrainTimeout bounds a shared drain, which outlives the caller that
	// started it.
	DrainTimeout time.Duration

	group    singleflight.Group
	inflight sync.WaitGroup
}

const defaultDrainTimeout = 2 * time.Minute

func New(store cache.Store, svc remote.Service, logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Queue{Store: store, Svc: svc, Now: time.Now, Log: logger.WithName("syncq")}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) logger() log.Logger {
	if q.Log != nil {
		return q.Log
	}
	return log.NewNopLogger()
}

// Enqueue appends m and persists the queue before returning.
func (q *Queue) Enqueue(ctx context.Context, m domain.PendingMutation) (domain.PendingMutation, error) {
	if m.Entity == "" {
		return m, errors.New("mutation entity is required")
	}
	switch m.Op {
	case domain.OpWrite:
		if m.TargetID <= 0 {
			return m, errors.New("write mutation needs a target id")
		}
	case domain.OpCreate:
	case domain.OpCall:
		if m.Method == "" {
			return m, errors.New("call mutation needs a method")
		}
	default:
		return m, fmt.Errorf("unknown mutation op %q", m.Op)
	}
	m.ID = uuid.NewString()
	m.CreatedAt = q.now().UTC()
	if m.Op != domain.OpWrite && m.IdempotencyKey == "" {
		m.IdempotencyKey = m.ID
	}
	var depth int
	err := cache.Mutate(ctx, q.Store, cache.KeyPending, 0, func(list *[]domain.PendingMutation) error {
		*list = append(*list, m)
		depth = len(*list)
		return nil
	})
	if err != nil {
		return m, fmt.Errorf("enqueue: %w", err)
	}
	metrics.SyncQueueDepth.Set(float64(depth))
	q.logger().Debug("mutation queued", "id", m.ID, "op", string(m.Op), "entity", m.Entity, "target", m.TargetID, "depth", depth)
	return m, nil
}

func (q *Queue) load(ctx context.Context, key cache.Key) ([]domain.PendingMutation, error) {
	var list []domain.PendingMutation
	if _, err := q.Store.Get(ctx, key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// List returns the pending mutations in replay order.
func (q *Queue) List(ctx context.Context) ([]domain.PendingMutation, error) {
	return q.load(ctx, cache.KeyPending)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	list, err := q.List(ctx)
	return len(list), err
}

// Rejected returns the dead letter list.
func (q *Queue) Rejected(ctx context.Context) ([]domain.PendingMutation, error) {
	return q.load(ctx, cache.KeyRejected)
}

// Discard drops a mutation by id from the pending or the rejected list.
func (q *Queue) Discard(ctx context.Context, id string) error {
	for _, key := range []cache.Key{cache.KeyPending, cache.KeyRejected} {
		removed, err := q.removeWhere(ctx, key, func(m domain.PendingMutation) bool { return m.ID == id })
		if err != nil {
			return err
		}
		if removed > 0 {
			q.logger().Info("mutation discarded", "id", id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DiscardWhere drops every pending mutation matching pred and returns how many went.
func (q *Queue) DiscardWhere(ctx context.Context, pred func(domain.PendingMutation) bool) (int, error) {
	return q.removeWhere(ctx, cache.KeyPending, pred)
}

func (q *Queue) removeWhere(ctx context.Context, key cache.Key, pred func(domain.PendingMutation) bool) (int, error) {
	removed, depth := 0, 0
	err := cache.Mutate(ctx, q.Store, key, 0, func(list *[]domain.PendingMutation) error {
		kept := (*list)[:0]
		for _, m := range *list {
			if pred(m) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		*list = kept
		depth = len(kept)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if key == cache.KeyPending {
		metrics.SyncQueueDepth.Set(float64(depth))
	}
	return removed, nil
}

// Requeue moves a rejected mutation back to the head of the pending list,
// ahead of the mutations that were queued behind it when it was rejected.
func (q *Queue) Requeue(ctx context.Context, id string) (domain.PendingMutation, error) {
	var found *domain.PendingMutation
	err := cache.Mutate(ctx, q.Store, cache.KeyRejected, 0, func(list *[]domain.PendingMutation) error {
		for i, m := range *list {
			if m.ID == id {
				m := m
				found = &m
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	if err != nil {
		return domain.PendingMutation{}, err
	}
	m := *found
	m.Attempts, m.LastError, m.LastAttemptAt = 0, "", nil
	depth := 0
	err = cache.Mutate(ctx, q.Store, cache.KeyPending, 0, func(list *[]domain.PendingMutation) error {
		*list = append([]domain.PendingMutation{m}, *list...)
		depth = len(*list)
		return nil
	})
	if err != nil {
		return m, err
	}
	metrics.SyncQueueDepth.Set(float64(depth))
	return m, nil
}

// DrainResult summarises one drain.
type DrainResult struct {
	Applied   int `json:"applied"`
	Remaining int `json:"remaining"`
}

// Drain replays pending mutations in FIFO order until the queue is empty or
// one fails. Concurrent callers share a single drain. The shared drain runs
// detached from ctx under DrainTimeout, so a caller giving up does not cancel
// it for the others.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	timeout := q.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	q.inflight.Add(1)
	ch := q.group.DoChan("drain", func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return q.drain(dctx)
	})
	select {
	case r := <-ch:
		q.inflight.Done()
		res, _ := r.Val.(DrainResult)
		return res, r.Err
	case <-ctx.Done():
		go func() {
			<-ch
			q.inflight.Done()
		}()
		return DrainResult{}, ctx.Err()
	}
}

// Wait blocks until drains abandoned by their callers have finished.
// Call it once every caller of Drain has returned.
func (q *Queue) Wait() { q.inflight.Wait() }

// Flush drains until the queue is observed empty, so mutations enqueued
// while a shared drain was finishing are applied too.
func (q *Queue) Flush(ctx context.Context) (DrainResult, error) {
	var total DrainResult
	for {
		res, err := q.Drain(ctx)
		total.Applied += res.Applied
		if err != nil {
			total.Remaining = res.Remaining
			return total, err
		}
		n, err := q.Len(ctx)
		if err != nil {
			return total, err
		}
		total.Remaining = n
		if n == 0 {
			return total, nil
		}
	}
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	for {
		list, err := q.List(ctx)
		if err != nil {
			return res, err
		}
		res.Remaining = len(list)
		metrics.SyncQueueDepth.Set(float64(len(list)))
		if len(list) == 0 {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		head := list[0]
		result, err := q.apply(ctx, head)
		if err != nil {
			if remote.IsDomain(err) {
				metrics.SyncMutationsTotal.WithLabelValues(string(head.Op), "rejected").Inc()
				if derr := q.deadLetter(ctx, head, err); derr != nil {
					return res, derr
				}
				res.Remaining--
				q.logger().Warn("mutation rejected", "id", head.ID, "entity", head.Entity, "target", head.TargetID, "error", err.Error())
				return res, &RejectedError{Mutation: head, Err: err}
			}
			metrics.SyncMutationsTotal.WithLabelValues(string(head.Op), "failed").Inc()
			if rerr := q.recordAttempt(ctx, head.ID, err); rerr != nil {
				q.logger().Error(rerr, "record attempt", "id", head.ID)
			}
			q.logger().Info("drain stopped", "id", head.ID, "remaining", res.Remaining, "error", err.Error())
			return res, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
		}
		metrics.SyncMutationsTotal.WithLabelValues(string(head.Op), "applied").Inc()
		if _, err := q.removeWhere(ctx, cache.KeyPending, func(m domain.PendingMutation) bool { return m.ID == head.ID }); err != nil {
			return res, err
		}
		res.Applied++
		if q.OnApplied != nil {
			if err := q.OnApplied(ctx, head, result); err != nil {
				q.logger().Error(err, "applied hook", "id", head.ID)
			}
		}
	}
}

func (q *Queue) apply(ctx context.Context, m domain.PendingMutation) (json.RawMessage, error) {
	switch m.Op {
	case domain.OpWrite:
		return nil, q.Svc.Write(ctx, m.Entity, []int64{m.TargetID}, m.Payload)
	case domain.OpCreate:
		id, err := q.Svc.Create(ctx, m.Entity, m.Payload, remote.IdempotencyContext(m.IdempotencyKey))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(strconv.FormatInt(id, 10)), nil
	case domain.OpCall:
		return q.Svc.Call(ctx, m.Entity, m.Method, m.Args, m.Payload)
	}
	return nil, &remote.DomainError{Name: "UnknownOp", Message: fmt.Sprintf("unknown mutation op %q", m.Op)}
}

func (q *Queue) recordAttempt(ctx context.Context, id string, cause error) error {
	at := q.now().UTC()
	return cache.Mutate(ctx, q.Store, cache.KeyPending, 0, func(list *[]domain.PendingMutation) error {
		for i := range *list {
			if (*list)[i].ID == id {
				m := (*list)[i]
				m.Attempts++
				m.LastError = cause.Error()
				m.LastAttemptAt = &at
				(*list)[i] = m
			}
		}
		return nil
	})
}

func (q *Queue) deadLetter(ctx context.Context, m domain.PendingMutation, cause error) error {
	at := q.now().UTC()
	m.Attempts++
	m.LastError = cause.Error()
	m.LastAttemptAt = &at
	err := cache.Mutate(ctx, q.Store, cache.KeyRejected, 0, func(list *[]domain.PendingMutation) error {
		*list = append(*list, m)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = q.removeWhere(ctx, cache.KeyPending, func(p domain.PendingMutation) bool { return p.ID == m.ID })
	return err
}
