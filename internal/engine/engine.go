package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fleetinspect/internal/cache"
	"fleetinspect/internal/config"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/events"
	"fleetinspect/internal/metrics"
	"fleetinspect/internal/remote"
	"fleetinspect/internal/syncq"
	"fleetinspect/pkg/log"
)

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Engine drives one inspection session at a time. All methods are safe for
// concurrent use. Remote calls run without the lock held and are fenced by
// a generation counter.
type Engine struct {
	Store    cache.Store
	Fleet    *remote.Fleet
	Queue    *syncq.Queue
	Journal  events.Journal
	Config   *config.Config
	Now      func() time.Time
	Log      log.Logger
	Schedule Scheduler

	mu          sync.Mutex
	policy      config.Policy
	sess        *domain.Session
	machine     *machine
	generation  uint64
	creating    bool
	photoGate   int
	cancelReset func()
	closed      bool
	bg          sync.WaitGroup
}

type Options struct {
	Store   cache.Store
	Service remote.Service
	Queue   *syncq.Queue
	Journal events.Journal
	Config  *config.Config
	Logger  log.Logger
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	q := opts.Queue
	if q == nil {
		q = syncq.New(opts.Store, opts.Service, logger)
	}
	e := &Engine{
		Store:     opts.Store,
		Fleet:     remote.NewFleet(opts.Service),
		Queue:     q,
		Journal:   opts.Journal,
		Config:    cfg,
		Now:       time.Now,
		Log:       logger.WithName("engine"),
		Schedule:  afterFunc,
		policy:    cfg.Policy,
		photoGate: -1,
	}
	e.machine = newMachine(domain.ScreenVehicleSelection, e.onEnter)
	q.OnApplied = e.onApplied
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Policy returns the active company policy.
func (e *Engine) Policy() config.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// SetPolicy replaces the active company policy.
func (e *Engine) SetPolicy(p config.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

// Screen reports the current screen.
func (e *Engine) Screen() domain.Screen {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.current()
}

// Session returns a copy of the session in progress.
func (e *Engine) Session() (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	return e.sess.Clone(), nil
}

// Wait blocks until background drains started by writes have finished.
// It must not race with writes; use Close at shutdown.
func (e *Engine) Wait() { e.bg.Wait() }

// Close stops new background drains and pending resets, then waits for the
// drains already running. Writes after Close still queue their mutations.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.cancelReset != nil {
		e.cancelReset()
		e.cancelReset = nil
	}
	e.mu.Unlock()
	e.bg.Wait()
}

func (e *Engine) onEnter(ctx context.Context, from, to domain.Screen) {
	if e.sess != nil {
		e.sess.Screen = to
	}
	e.Log.Debug("screen changed", "from", string(from), "to", string(to))
}

// fence is a snapshot of what a remote result must still match when it comes back.
type fence struct {
	generation uint64
	screen     domain.Screen
}

func (e *Engine) fenceLocked() fence {
	return fence{generation: e.generation, screen: e.machine.current()}
}

func (e *Engine) checkLocked(f fence) error {
	if e.generation != f.generation || e.machine.current() != f.screen {
		return ErrStale
	}
	return nil
}

// unlocked runs fn with the engine lock released.
func (e *Engine) unlocked(fn func() error) error {
	e.mu.Unlock()
	defer e.mu.Lock()
	return fn()
}

func (e *Engine) inspectionID() int64 {
	if e.sess == nil || e.sess.InspectionID == nil {
		return 0
	}
	return *e.sess.InspectionID
}

func (e *Engine) snapshotLocked(ctx context.Context) {
	if e.sess == nil {
		return
	}
	e.sess.Stats = domain.ComputeStats(e.sess.Items)
	e.sess.UpdatedAt = e.now().UTC()
	if err := e.Store.Set(ctx, cache.KeyInspection, e.sess, 0); err != nil {
		e.Log.Error(err, "persist session snapshot", "inspection", e.inspectionID())
	}
}

func (e *Engine) journal(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	rec := events.Record{
		Type:         evtType,
		InspectionID: e.inspectionID(),
		EntityKind:   entityKind,
		EntityID:     entityID,
		Screen:       e.machine.current(),
		Payload:      payload,
	}
	if err := e.Journal.Append(ctx, rec); err != nil {
		e.Log.Error(err, "journal append", "type", evtType)
	}
}

func (e *Engine) enqueueLocked(ctx context.Context, m domain.PendingMutation) error {
	m.InspectionID = e.inspectionID()
	if _, err := e.Queue.Enqueue(ctx, m); err != nil {
		return err
	}
	return nil
}

// kickDrain starts a background drain when drain-on-write is enabled.
// Failures are logged and left for the next drain. Callers hold e.mu.
func (e *Engine) kickDrain() {
	if !e.Config.Sync.DrainOnWrite || e.closed {
		return
	}
	timeout := e.Config.Remote.Timeout * 4
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := e.Queue.Drain(ctx)
		switch {
		case err == nil:
			e.Log.Debug("background drain", "applied", res.Applied)
		case errors.Is(err, ErrRemoteUnavailable):
			e.Log.Info("background drain deferred", "remaining", res.Remaining, "error", err.Error())
		default:
			e.Log.Warn("background drain stopped", "remaining", res.Remaining, "error", err.Error())
		}
	}()
}

// RestoreFromCache reinstates a snapshot younger than the freshness window.
// Pending mutations are kept in their own key either way.
func (e *Engine) RestoreFromCache(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		return false, ErrSessionInProgress
	}
	var s domain.Session
	ok, err := e.Store.Get(ctx, cache.KeyInspection, &s)
	if err != nil || !ok {
		return false, err
	}
	window := e.Config.Cache.FreshnessWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	age := e.now().Sub(s.UpdatedAt)
	reason := ""
	switch {
	case age > window:
		reason = "stale"
	case s.InspectionID == nil:
		reason = "no inspection id"
	case !validScreen(s.Screen) || s.Screen == domain.ScreenVehicleSelection:
		reason = "unknown screen"
	case s.Screen == domain.ScreenCompleted:
		reason = "already completed"
	}
	if reason != "" {
		e.Log.Info("discarding session snapshot", "reason", reason, "age", age.String())
		if err := e.Store.Remove(ctx, cache.KeyInspection); err != nil {
			return false, err
		}
		return false, nil
	}
	if s.Index < 0 {
		s.Index = 0
	}
	if s.Index > len(s.Items) {
		s.Index = len(s.Items)
	}
	if s.Screen == domain.ScreenObservations || s.Screen == domain.ScreenPhotoCapture {
		s.Screen = domain.ScreenItemCapture
	}
	s.Stats = domain.ComputeStats(s.Items)
	e.generation++
	e.sess = &s
	e.photoGate = -1
	e.machine.set(s.Screen)
	e.journal(ctx, "session.restored", "inspection", strconv.FormatInt(*s.InspectionID, 10), events.EventPayload{"index": s.Index})
	e.Log.Info("session restored", "inspection", *s.InspectionID, "screen", string(s.Screen), "index", s.Index)
	return true, nil
}

// Reset clears the session and returns to vehicle selection. Pending
// mutations are kept.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetLocked(ctx)
}

func (e *Engine) resetLocked(ctx context.Context) error {
	if e.cancelReset != nil {
		e.cancelReset()
		e.cancelReset = nil
	}
	if e.sess != nil {
		e.journal(ctx, "session.reset", "inspection", strconv.FormatInt(e.inspectionID(), 10), nil)
	}
	e.generation++
	e.photoGate = -1
	if err := e.machine.fire(ctx, EventReset); err != nil {
		return err
	}
	e.sess = nil
	return e.Store.Remove(ctx, cache.KeyInspection)
}

// Cancel abandons the session and discards its pending mutations.
func (e *Engine) Cancel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ErrNoSession
	}
	id := e.inspectionID()
	var photos []string
	for _, it := range e.sess.Items {
		for _, p := range it.Photos {
			if p.RemoteID == 0 {
				photos = append(photos, p.LocalID)
			}
		}
	}
	e.journal(ctx, "session.cancelled", "inspection", strconv.FormatInt(id, 10), nil)
	if err := e.resetLocked(ctx); err != nil {
		return err
	}
	n, err := e.Queue.DiscardWhere(ctx, func(m domain.PendingMutation) bool { return m.InspectionID == id })
	if err != nil {
		return err
	}
	for _, localID := range photos {
		if err := e.Store.Remove(ctx, cache.PhotoKey(localID)); err != nil {
			e.Log.Warn("remove photo preview", "photo", localID, "error", err.Error())
		}
	}
	metrics.SessionsTotal.WithLabelValues("cancelled").Inc()
	e.Log.Info("session cancelled", "inspection", id, "discarded", n)
	return nil
}

// VehicleList is a vehicle lookup result. Stale marks a cached fallback.
type VehicleList struct {
	Vehicles []domain.Vehicle `json:"vehicles"`
	Stale    bool             `json:"stale"`
}

// Vehicles searches vehicles to inspect. When the backend is unreachable the
// last cached list is returned with Stale set.
func (e *Engine) Vehicles(ctx context.Context, search string, limit int) (VehicleList, error) {
	return e.vehicleLookup(ctx, cache.KeyVehicles, func() ([]domain.Vehicle, error) {
		return e.Fleet.VehiclesForInspection(ctx, search, limit)
	})
}

// RecentVehicles lists vehicles the user inspected lately, with the same fallback as Vehicles.
func (e *Engine) RecentVehicles(ctx context.Context, limit int) (VehicleList, error) {
	return e.vehicleLookup(ctx, cache.KeyRecentVehicles, func() ([]domain.Vehicle, error) {
		return e.Fleet.RecentVehicles(ctx, limit)
	})
}

func (e *Engine) vehicleLookup(ctx context.Context, key cache.Key, fetch func() ([]domain.Vehicle, error)) (VehicleList, error) {
	list, err := fetch()
	if err == nil {
		if serr := e.Store.Set(ctx, key, list, 0); serr != nil {
			e.Log.Warn("cache vehicles", "key", string(key), "error", serr.Error())
		}
		return VehicleList{Vehicles: list}, nil
	}
	err = classify(err)
	if !errors.Is(err, ErrRemoteUnavailable) {
		return VehicleList{}, err
	}
	var cached []domain.Vehicle
	ok, cerr := e.Store.Get(ctx, key, &cached)
	if cerr != nil || !ok {
		return VehicleList{}, err
	}
	e.Log.Info("serving cached vehicles", "key", string(key), "count", len(cached))
	return VehicleList{Vehicles: cached, Stale: true}, nil
}

// findVehicle looks a vehicle up in the cached lists.
func (e *Engine) findVehicle(ctx context.Context, id int64) (domain.Vehicle, bool) {
	for _, key := range []cache.Key{cache.KeyVehicles, cache.KeyRecentVehicles} {
		var list []domain.Vehicle
		if ok, _ := e.Store.Get(ctx, key, &list); !ok {
			continue
		}
		for _, v := range list {
			if v.ID == id {
				return v, true
			}
		}
	}
	return domain.Vehicle{}, false
}

// SyncSettings reads the company policy and applies it. When the backend is
// unreachable the cached settings are applied and the error returned.
func (e *Engine) SyncSettings(ctx context.Context) (config.Policy, error) {
	base := e.Policy()
	p, err := e.Fleet.CompanySettings(ctx, base)
	if err != nil {
		err = classify(err)
		if _, cerr := e.LoadCachedSettings(ctx); cerr != nil {
			e.Log.Warn("load cached settings", "error", cerr.Error())
		}
		return e.Policy(), err
	}
	if err := e.Store.Set(ctx, cache.KeySettings, p, 0); err != nil {
		return p, fmt.Errorf("cache settings: %w", err)
	}
	e.SetPolicy(p)
	e.Log.Info("settings synced", "require_photo_for_bad", p.RequirePhotoForBad, "max_photos", p.MaxPhotosPerItem)
	return p, nil
}

// LoadCachedSettings applies app_settings when present.
func (e *Engine) LoadCachedSettings(ctx context.Context) (bool, error) {
	var p config.Policy
	ok, err := e.Store.Get(ctx, cache.KeySettings, &p)
	if err != nil || !ok {
		return false, err
	}
	if p.MaxPhotosPerItem < 1 {
		p.MaxPhotosPerItem = e.Config.Policy.MaxPhotosPerItem
	}
	e.SetPolicy(p)
	return true, nil
}
