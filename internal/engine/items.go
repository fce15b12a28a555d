package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fleetinspect/internal/cache"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/events"
	"fleetinspect/internal/metrics"
	"fleetinspect/internal/remote"
)

// ItemUpdate is the verdict recorded for the current item. Empty
// Observations keep the existing text.
type ItemUpdate struct {
	Status       domain.Status
	Observations string
	Photos       []domain.Photo
}

func (e *Engine) photoRequired(it *domain.Item, index int) *PhotoRequiredError {
	metrics.GatesTotal.WithLabelValues("photo_required").Inc()
	return &PhotoRequiredError{Index: index, ItemID: it.ID, Name: it.Name}
}

// SetItemStatus records a verdict for the current item. The change is applied
// locally and queued; the queue is drained in the background.
func (e *Engine) SetItemStatus(ctx context.Context, u ItemUpdate) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	screen := e.machine.current()
	switch screen {
	case domain.ScreenItemCapture, domain.ScreenObservations, domain.ScreenPhotoCapture:
	default:
		return nil, fmt.Errorf("%w: set status from %s", ErrInvalidTransition, screen)
	}
	item, ok := e.sess.Current()
	if !ok {
		return nil, ErrNoCurrentItem
	}
	switch u.Status {
	case domain.StatusGood, domain.StatusRegular, domain.StatusBad, domain.StatusNA:
	default:
		return nil, invalid("status", "must be one of good, regular, bad, na")
	}
	p := e.policy
	total := len(item.Photos) + len(u.Photos)
	if p.RequirePhotoForBad && u.Status == domain.StatusBad && item.PhotoRequiredOnBad && total == 0 {
		e.photoGate = e.sess.Index
		return nil, e.photoRequired(item, e.sess.Index)
	}
	if len(u.Photos) > 0 {
		switch {
		case u.Status == domain.StatusGood || u.Status == domain.StatusNA:
			return nil, invalid("photos", "photos can only be attached to bad or regular items")
		case u.Status == domain.StatusRegular && !(p.AllowPhotoForRegular && item.PhotoAllowedOnRegular):
			return nil, invalid("photos", "photos are not allowed on regular items")
		case p.MaxPhotosPerItem > 0 && total > p.MaxPhotosPerItem:
			return nil, invalid("photos", "at most %d photos per item", p.MaxPhotosPerItem)
		}
		for i, ph := range u.Photos {
			if len(ph.Data) == 0 {
				return nil, invalid("photos", "photo %d is empty", i+1)
			}
		}
	}

	now := e.now().UTC()
	observations := strings.TrimSpace(u.Observations)
	if observations == "" {
		observations = item.Observations
	}
	err := e.enqueueLocked(ctx, domain.PendingMutation{
		Op:       domain.OpWrite,
		Entity:   remote.ModelLine,
		TargetID: item.ID,
		Payload: map[string]any{
			"status":       remote.StatusToWire(u.Status),
			"observations": orFalse(observations),
			"inspected_at": now.Format(remote.ServerTime),
		},
	})
	if err != nil {
		return nil, err
	}
	refs := make([]domain.PhotoRef, 0, len(u.Photos))
	for i, ph := range u.Photos {
		if ph.LocalID == "" {
			ph.LocalID = uuid.NewString()
		}
		if ph.Filename == "" {
			ph.Filename = fmt.Sprintf("item_%d_%s_%d.jpg", item.ID, now.Format("20060102_150405"), i+1)
		}
		if ph.MIME == "" {
			ph.MIME = "image/jpeg"
		}
		if ph.TakenAt.IsZero() {
			ph.TakenAt = now
		}
		if err := e.Store.Set(ctx, cache.PhotoKey(ph.LocalID), ph, 0); err != nil {
			e.Log.Warn("cache photo preview", "photo", ph.LocalID, "error", err.Error())
		}
		err := e.enqueueLocked(ctx, domain.PendingMutation{
			Op:             domain.OpCall,
			Entity:         remote.ModelPhoto,
			Method:         remote.MethodUploadPhoto,
			TargetID:       item.ID,
			Args:           remote.UploadPhotoArgs(item.ID, ph),
			IdempotencyKey: ph.LocalID,
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, domain.PhotoRef{LocalID: ph.LocalID, Filename: ph.Filename})
	}

	item.Status = u.Status
	item.Observations = observations
	item.InspectedAt = &now
	item.Photos = append(item.Photos, refs...)
	e.photoGate = -1
	if screen != domain.ScreenItemCapture {
		if err := e.machine.fire(ctx, EventReturn); err != nil {
			return nil, err
		}
	}
	e.journal(ctx, "item.status", "line", strconv.FormatInt(item.ID, 10), events.EventPayload{
		"status": string(u.Status),
		"photos": len(refs),
	})
	if p.AutoAdvance && e.sess.Index < len(e.sess.Items)-1 && !item.NeedsPhoto(p.RequirePhotoForBad) {
		e.sess.Index++
	}
	e.snapshotLocked(ctx)
	e.kickDrain()
	return e.sess.Clone(), nil
}

// Advance moves to the next item. Past the last item every item is checked:
// the cursor is clamped to the first one still missing a status or a
// required photo, otherwise the flow moves on to the signature.
func (e *Engine) Advance(ctx context.Context) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.require(EventFinishItems); err != nil {
		return nil, err
	}
	s := e.sess
	requireForBad := e.policy.RequirePhotoForBad
	if cur, ok := s.Current(); ok {
		if cur.NeedsPhoto(requireForBad) || e.photoGate == s.Index {
			return nil, e.photoRequired(cur, s.Index)
		}
		s.Index++
	}
	if s.Index < len(s.Items) {
		e.snapshotLocked(ctx)
		return s.Clone(), nil
	}
	for i := range s.Items {
		if s.Items[i].NeedsPhoto(requireForBad) {
			s.Index = i
			e.snapshotLocked(ctx)
			return nil, e.photoRequired(&s.Items[i], i)
		}
	}
	if first, count := s.FirstUnset(); count > 0 {
		s.Index = first
		e.snapshotLocked(ctx)
		metrics.GatesTotal.WithLabelValues("incomplete_items").Inc()
		return nil, &IncompleteItemsError{Count: count, FirstIndex: first}
	}
	if err := e.machine.fire(ctx, EventFinishItems); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	e.journal(ctx, "items.finished", "inspection", strconv.FormatInt(e.inspectionID(), 10), events.EventPayload{
		"overall": s.Stats.Overall,
	})
	return s.Clone(), nil
}

// Retreat moves to the previous item, or from the signature back to the last item.
func (e *Engine) Retreat(ctx context.Context) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	s := e.sess
	switch e.machine.current() {
	case domain.ScreenSignature:
		if err := e.machine.fire(ctx, EventBackToItems); err != nil {
			return nil, err
		}
		s.Index = len(s.Items) - 1
		if s.Index < 0 {
			s.Index = 0
		}
	case domain.ScreenItemCapture:
		if s.Index > 0 {
			s.Index--
		}
	default:
		return nil, fmt.Errorf("%w: retreat from %s", ErrInvalidTransition, e.machine.current())
	}
	e.photoGate = -1
	e.snapshotLocked(ctx)
	return s.Clone(), nil
}

// OpenObservations enters the observation editor for the current item.
func (e *Engine) OpenObservations(ctx context.Context) (*domain.Session, error) {
	return e.enterCapture(ctx, EventOpenObservations)
}

// OpenCamera enters the photo step for the current item.
func (e *Engine) OpenCamera(ctx context.Context) (*domain.Session, error) {
	return e.enterCapture(ctx, EventOpenCamera)
}

func (e *Engine) enterCapture(ctx context.Context, event string) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.require(event); err != nil {
		return nil, err
	}
	item, ok := e.sess.Current()
	if !ok {
		return nil, ErrNoCurrentItem
	}
	if event == EventOpenCamera {
		if limit := e.policy.MaxPhotosPerItem; limit > 0 && len(item.Photos) >= limit {
			return nil, invalid("photos", "at most %d photos per item", limit)
		}
	}
	if err := e.machine.fire(ctx, event); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	return e.sess.Clone(), nil
}

// CancelCapture leaves observations or photo capture without changing the item.
func (e *Engine) CancelCapture(ctx context.Context) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.fire(ctx, EventReturn); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	return e.sess.Clone(), nil
}

// SetObservations records the general observations of the inspection.
func (e *Engine) SetObservations(ctx context.Context, text string) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	switch screen := e.machine.current(); screen {
	case domain.ScreenVehicleSelection, domain.ScreenDriverInfo, domain.ScreenCompleted:
		return nil, fmt.Errorf("%w: observations from %s", ErrInvalidTransition, screen)
	}
	text = strings.TrimSpace(text)
	err := e.enqueueLocked(ctx, domain.PendingMutation{
		Op:       domain.OpWrite,
		Entity:   remote.ModelInspection,
		TargetID: e.inspectionID(),
		Payload:  map[string]any{"observations": orFalse(text)},
	})
	if err != nil {
		return nil, err
	}
	e.sess.Observations = text
	e.snapshotLocked(ctx)
	e.kickDrain()
	return e.sess.Clone(), nil
}

// onApplied attaches the server id to an uploaded photo and drops its local preview.
func (e *Engine) onApplied(ctx context.Context, m domain.PendingMutation, result json.RawMessage) error {
	if m.Op != domain.OpCall || m.Method != remote.MethodUploadPhoto {
		return nil
	}
	res, err := remote.ParseUploadResult(result)
	if err != nil {
		return err
	}
	localID := m.IdempotencyKey
	e.mu.Lock()
	if e.sess != nil && e.inspectionID() == m.InspectionID {
		for i := range e.sess.Items {
			for j := range e.sess.Items[i].Photos {
				if e.sess.Items[i].Photos[j].LocalID == localID {
					e.sess.Items[i].Photos[j].RemoteID = res.PhotoID
				}
			}
		}
		e.snapshotLocked(ctx)
	}
	e.mu.Unlock()
	e.Log.Debug("photo uploaded", "photo", localID, "remote_id", res.PhotoID)
	return e.Store.Remove(ctx, cache.PhotoKey(localID))
}
