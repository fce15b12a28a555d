package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"fleetinspect/internal/capture"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/events"
	"fleetinspect/internal/metrics"
	"fleetinspect/internal/remote"
)

const defaultResetDelay = 3 * time.Second

func cloneSignature(sig *domain.Signature) *domain.Signature {
	c := *sig
	c.Strokes = make([]domain.Stroke, len(sig.Strokes))
	for i, st := range sig.Strokes {
		c.Strokes[i] = domain.Stroke{Points: append([]domain.Point(nil), st.Points...)}
	}
	c.PNG = append([]byte(nil), sig.PNG...)
	return &c
}

// RecordSignature stores the driver's signature and moves to the summary.
// A signature without a rendered image is rendered from its strokes.
func (e *Engine) RecordSignature(ctx context.Context, sig *domain.Signature) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.require(EventSign); err != nil {
		return nil, err
	}
	if sig.Empty() {
		return nil, invalid("signature", "the signature is empty")
	}
	c := cloneSignature(sig)
	if len(c.PNG) == 0 {
		png, err := capture.RenderSignature(c.Strokes, c.Width, c.Height)
		if err != nil {
			return nil, invalid("signature", "cannot render strokes: %v", err)
		}
		c.PNG = png
	}
	e.sess.Signature = c
	if err := e.machine.fire(ctx, EventSign); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	e.journal(ctx, "signature.recorded", "inspection", strconv.FormatInt(e.inspectionID(), 10), events.EventPayload{
		"strokes": len(c.Strokes),
	})
	return e.sess.Clone(), nil
}

// AmendSignature returns from the summary to the signature pad.
func (e *Engine) AmendSignature(ctx context.Context) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.fire(ctx, EventAmend); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	return e.sess.Clone(), nil
}

func isSignatureWrite(id int64) func(domain.PendingMutation) bool {
	return func(m domain.PendingMutation) bool {
		if m.InspectionID != id || m.Op != domain.OpWrite || m.Entity != remote.ModelInspection {
			return false
		}
		_, ok := m.Payload["driver_signature"]
		return ok
	}
}

// Finalize flushes every queued write and asks the backend to complete the
// inspection. A rejection keeps the session on the summary with its mapped
// Reason. On success the session resets after the configured delay.
func (e *Engine) Finalize(ctx context.Context) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.require(EventComplete); err != nil {
		return nil, err
	}
	s := e.sess
	if e.policy.RequireSignature && s.Signature.Empty() {
		return nil, invalid("signature", "is required")
	}
	id := e.inspectionID()
	if _, err := e.Queue.DiscardWhere(ctx, isSignatureWrite(id)); err != nil {
		return nil, err
	}
	// Empty observations are left out so the server keeps its own.
	values := map[string]any{}
	if s.Observations != "" {
		values["observations"] = s.Observations
	}
	if s.Signature != nil && len(s.Signature.PNG) > 0 {
		values["driver_signature"] = base64.StdEncoding.EncodeToString(s.Signature.PNG)
	}
	if len(values) > 0 {
		err := e.enqueueLocked(ctx, domain.PendingMutation{
			Op:       domain.OpWrite,
			Entity:   remote.ModelInspection,
			TargetID: id,
			Payload:  values,
		})
		if err != nil {
			return nil, err
		}
	}

	f := e.fenceLocked()
	err := e.unlocked(func() error {
		if _, err := e.Queue.Flush(ctx); err != nil {
			return err
		}
		return e.Fleet.CompleteInspection(ctx, id)
	})
	if serr := e.checkLocked(f); serr != nil {
		return nil, serr
	}
	if err != nil {
		err = classify(err)
		var rej *RejectionError
		if errors.As(err, &rej) {
			metrics.SessionsTotal.WithLabelValues("rejected").Inc()
			e.journal(ctx, "session.rejected", "inspection", strconv.FormatInt(id, 10), events.EventPayload{
				"reason":  string(rej.Reason),
				"message": rej.Message,
			})
			e.Log.Warn("completion rejected", "inspection", id, "reason", string(rej.Reason), "message", rej.Message)
		}
		return nil, err
	}

	now := e.now().UTC()
	s.CompletedAt = &now
	if err := e.machine.fire(ctx, EventComplete); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	e.journal(ctx, "session.completed", "inspection", strconv.FormatInt(id, 10), events.EventPayload{
		"overall":   s.Stats.Overall,
		"good":      s.Stats.Good,
		"regular":   s.Stats.Regular,
		"bad":       s.Stats.Bad,
		"na":        s.Stats.NA,
		"completed": s.Stats.Completed,
	})
	metrics.SessionsTotal.WithLabelValues("completed").Inc()
	e.Log.Info("inspection completed", "inspection", id, "overall", s.Stats.Overall)

	delay := e.Config.Flow.ResetDelay
	if delay <= 0 {
		delay = defaultResetDelay
	}
	gen := e.generation
	schedule := e.Schedule
	if schedule == nil {
		schedule = afterFunc
	}
	e.cancelReset = schedule(delay, func() { e.resetAfterCompletion(gen) })
	return s.Clone(), nil
}

func (e *Engine) resetAfterCompletion(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen || e.machine.current() != domain.ScreenCompleted {
		return
	}
	e.cancelReset = nil
	if err := e.resetLocked(context.Background()); err != nil {
		e.Log.Error(err, "reset after completion")
	}
}
