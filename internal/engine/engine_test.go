package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetinspect/internal/cache"
	"fleetinspect/internal/config"
	"fleetinspect/internal/db"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/engine"
	"fleetinspect/internal/events"
	"fleetinspect/internal/migrate"
	"fleetinspect/internal/remote"
	"fleetinspect/internal/syncq"
)

const threeLines = `[
	{"id":101,"template_item_id":[1,"Lights"],"name":"Lights","section":"Exterior","sequence":1,"section_sequence":1,"status":false,"observations":false,"photo_ids":[],"inspected_at":false},
	{"id":102,"template_item_id":[2,"Tires"],"name":"Tires","section":"Exterior","sequence":2,"section_sequence":1,"status":false,"observations":false,"photo_ids":[],"inspected_at":false},
	{"id":103,"template_item_id":[3,"Brakes"],"name":"Brakes","section":"Safety","sequence":1,"section_sequence":2,"status":false,"observations":false,"photo_ids":[],"inspected_at":false}
]`

const threeTemplateItems = `[
	{"id":1,"name":"Lights","section_id":[1,"Exterior"],"sequence":1,"section_sequence":1,"is_mandatory":true,"photo_required_on_bad":false,"photo_allowed_on_regular":false,"instructions":false},
	{"id":2,"name":"Tires","section_id":[1,"Exterior"],"sequence":2,"section_sequence":1,"is_mandatory":true,"photo_required_on_bad":false,"photo_allowed_on_regular":true,"instructions":false},
	{"id":3,"name":"Brakes","section_id":[2,"Safety"],"sequence":1,"section_sequence":2,"is_mandatory":true,"photo_required_on_bad":true,"photo_allowed_on_regular":true,"instructions":"Check pads"}
]`

type lineWrite struct {
	model  string
	id     int64
	values map[string]any
}

// backend is an in-memory fleet service. Setting down makes every call fail
// like an unreachable network.
type backend struct {
	mu          sync.Mutex
	down        bool
	lines       string
	tplItems    string
	initErr     error
	completeErr error
	onCreate    func()
	calls       []string
	writes      []lineWrite
	uploads     []map[string]any
}

func newBackend() *backend {
	return &backend{lines: threeLines, tplItems: threeTemplateItems}
}

func (b *backend) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *backend) enter(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return &remote.TransportError{Op: op, Err: errors.New("connection refused")}
	}
	b.calls = append(b.calls, op)
	return nil
}

func (b *backend) called(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (b *backend) Create(ctx context.Context, model string, values map[string]any, kwargs map[string]any) (int64, error) {
	return 1, b.enter(model + ".create")
}

func (b *backend) Read(ctx context.Context, model string, ids []int64, fields []string) (json.RawMessage, error) {
	if err := b.enter(model + ".read"); err != nil {
		return nil, err
	}
	switch model {
	case remote.ModelInspection:
		return json.RawMessage(`[{"id":42,"template_id":[7,"Daily check"],"state":"draft"}]`), nil
	case remote.ModelTemplateItem:
		return json.RawMessage(b.tplItems), nil
	}
	return json.RawMessage(`[]`), nil
}

func (b *backend) SearchRead(ctx context.Context, model string, domain []any, fields []string, opts remote.SearchOptions) (json.RawMessage, error) {
	if err := b.enter(model + ".search_read"); err != nil {
		return nil, err
	}
	if model == remote.ModelLine {
		return json.RawMessage(b.lines), nil
	}
	return json.RawMessage(`[]`), nil
}

func (b *backend) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	if err := b.enter(model + ".write"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, lineWrite{model: model, id: ids[0], values: values})
	return nil
}

func (b *backend) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if err := b.enter(method); err != nil {
		return nil, err
	}
	b.mu.Lock()
	initErr, completeErr, onCreate := b.initErr, b.completeErr, b.onCreate
	b.mu.Unlock()
	switch method {
	case remote.MethodCreateFromVehicle:
		if onCreate != nil {
			onCreate()
		}
		return json.RawMessage(`42`), nil
	case remote.MethodInitialize:
		if initErr != nil {
			return nil, initErr
		}
		return json.RawMessage(`true`), nil
	case remote.MethodComplete:
		if completeErr != nil {
			return nil, completeErr
		}
		return json.RawMessage(`true`), nil
	case remote.MethodVehicles, remote.MethodRecentVehicles:
		return json.RawMessage(`[{"id":5,"name":"Truck 5","license_plate":"ABC-123","model":false,"color":false}]`), nil
	case remote.MethodUploadPhoto:
		b.mu.Lock()
		b.uploads = append(b.uploads, args[2].(map[string]any))
		id := 900 + len(b.uploads)
		b.mu.Unlock()
		return json.RawMessage(fmt.Sprintf(`{"success":true,"photo_id":%d,"photo_name":"p%d"}`, id, id)), nil
	}
	return nil, &remote.DomainError{Model: model, Method: method, Name: "AttributeError", Message: "unknown method " + method}
}

// timers records scheduled callbacks so tests decide when they run.
type timers struct {
	mu     sync.Mutex
	fns    []func()
	delays []time.Duration
}

func (tm *timers) schedule(d time.Duration, fn func()) func() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	i := len(tm.fns)
	tm.fns = append(tm.fns, fn)
	tm.delays = append(tm.delays, d)
	return func() {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		tm.fns[i] = nil
	}
}

func (tm *timers) fire() {
	tm.mu.Lock()
	fns := append([]func(){}, tm.fns...)
	tm.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

type env struct {
	eng     *engine.Engine
	svc     *backend
	store   *cache.Cache
	journal events.Journal
	timers  *timers
	now     *time.Time
	cfg     *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := config.Default()
	store := cache.New(conn, cfg.Cache, nil)
	store.Now = clock
	svc := newBackend()
	q := syncq.New(store, svc, nil)
	q.Now = clock
	j := events.Journal{DB: conn, Now: clock}
	e := &env{svc: svc, store: store, journal: j, timers: &timers{}, now: &now, cfg: cfg}
	e.eng = e.newEngine(q)
	t.Cleanup(e.eng.Close)
	return e
}

func (e *env) newEngine(q *syncq.Queue) *engine.Engine {
	eng := engine.New(engine.Options{Store: e.store, Service: e.svc, Queue: q, Journal: e.journal, Config: e.cfg})
	eng.Now = func() time.Time { return *e.now }
	eng.Schedule = e.timers.schedule
	return eng
}

func validDriver() domain.DriverInfo {
	return domain.DriverInfo{LicenseNumber: "LIC-1", LicenseType: "C", LicenseExpiry: "2026-01-31", Odometer: 120500}
}

func sampleSignature() *domain.Signature {
	return &domain.Signature{Width: 100, Height: 40, Strokes: []domain.Stroke{{Points: []domain.Point{
		{X: 5, Y: 5, Kind: domain.PointStart},
		{X: 60, Y: 30, Kind: domain.PointMove},
		{X: 60, Y: 30, Kind: domain.PointEnd},
	}}}}
}

// toItems drives a fresh engine to the first checklist item.
func (e *env) toItems(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.eng.SelectVehicle(ctx, 5, 0); err != nil {
		t.Fatalf("select vehicle: %v", err)
	}
	if _, err := e.eng.SubmitDriverInfo(ctx, validDriver()); err != nil {
		t.Fatalf("submit driver: %v", err)
	}
}

func mustSet(t *testing.T, eng *engine.Engine, u engine.ItemUpdate) *domain.Session {
	t.Helper()
	s, err := eng.SetItemStatus(context.Background(), u)
	if err != nil {
		t.Fatalf("set %s: %v", u.Status, err)
	}
	return s
}

func TestInspectionWithPhotoGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.eng.SelectVehicle(ctx, 5, 0)
	if err != nil {
		t.Fatalf("select vehicle: %v", err)
	}
	if s.Screen != domain.ScreenDriverInfo || s.InspectionID == nil || *s.InspectionID != 42 {
		t.Fatalf("unexpected session after select: %+v", s)
	}
	s, err = e.eng.SubmitDriverInfo(ctx, validDriver())
	if err != nil {
		t.Fatalf("submit driver: %v", err)
	}
	if s.Screen != domain.ScreenItemCapture || len(s.Items) != 3 || s.Index != 0 || s.TemplateID != 7 {
		t.Fatalf("unexpected checklist: screen=%s items=%d index=%d tpl=%d", s.Screen, len(s.Items), s.Index, s.TemplateID)
	}
	if !s.Items[2].PhotoRequiredOnBad || s.Items[0].PhotoRequiredOnBad {
		t.Fatalf("template flags not merged: %+v", s.Items)
	}

	s = mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusGood})
	if s.Index != 1 {
		t.Fatalf("expected auto-advance to 1, got %d", s.Index)
	}
	s = mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusRegular, Observations: "worn"})
	if s.Index != 2 {
		t.Fatalf("expected auto-advance to 2, got %d", s.Index)
	}

	_, err = e.eng.SetItemStatus(ctx, engine.ItemUpdate{Status: domain.StatusBad})
	var pr *engine.PhotoRequiredError
	if !errors.As(err, &pr) || pr.Index != 2 || pr.ItemID != 103 {
		t.Fatalf("expected photo required on item 2, got %v", err)
	}
	if _, err := e.eng.Advance(ctx); !errors.Is(err, engine.ErrPhotoRequired) {
		t.Fatalf("advance past a refused bad item: %v", err)
	}
	s, _ = e.eng.Session()
	if s.Index != 2 || s.Items[2].Status.IsSet() {
		t.Fatalf("refused status must not be applied: index=%d status=%q", s.Index, s.Items[2].Status)
	}

	s = mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusBad, Photos: []domain.Photo{{Data: []byte{0xff, 0xd8, 0xff}}}})
	if len(s.Items[2].Photos) != 1 || s.Index != 2 {
		t.Fatalf("photo not attached: %+v", s.Items[2])
	}
	localID := s.Items[2].Photos[0].LocalID

	s, err = e.eng.Advance(ctx)
	if err != nil {
		t.Fatalf("advance to signature: %v", err)
	}
	if s.Screen != domain.ScreenSignature || s.Stats.Overall != domain.OverallMaintenance || s.Stats.Completed != 3 {
		t.Fatalf("unexpected state after items: %s %+v", s.Screen, s.Stats)
	}

	s, err = e.eng.RecordSignature(ctx, sampleSignature())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if s.Screen != domain.ScreenSummary || len(s.Signature.PNG) == 0 {
		t.Fatalf("signature not rendered: screen=%s", s.Screen)
	}

	s, err = e.eng.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if s.Screen != domain.ScreenCompleted || s.CompletedAt == nil {
		t.Fatalf("expected completed session, got %s", s.Screen)
	}
	if e.svc.called(remote.MethodComplete) != 1 {
		t.Fatal("complete was not called")
	}
	e.eng.Wait()
	if n, _ := e.eng.Queue.Len(ctx); n != 0 {
		t.Fatalf("queue should be empty after finalize, %d left", n)
	}
	if len(e.svc.uploads) != 1 || e.svc.uploads[0]["client_ref"] != localID {
		t.Fatalf("upload should carry the local id, got %+v", e.svc.uploads)
	}
	if ok, _ := e.store.Has(ctx, cache.PhotoKey(localID)); ok {
		t.Fatal("photo preview should be dropped once uploaded")
	}

	if len(e.timers.delays) != 1 || e.timers.delays[0] != 3*time.Second {
		t.Fatalf("expected one reset after 3s, got %v", e.timers.delays)
	}
	e.timers.fire()
	if e.eng.Screen() != domain.ScreenVehicleSelection {
		t.Fatalf("expected reset to vehicle selection, got %s", e.eng.Screen())
	}
	if _, err := e.eng.Session(); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("session should be cleared, got %v", err)
	}
	evts, err := e.journal.List(ctx, events.Query{InspectionID: 42, Type: "session.completed"})
	if err != nil || len(evts) != 1 {
		t.Fatalf("completion not journaled: %v %d", err, len(evts))
	}
}

func TestItemWriteSurvivesNetworkFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)

	e.svc.setDown(true)
	s, err := e.eng.SetItemStatus(ctx, engine.ItemUpdate{Status: domain.StatusGood, Observations: "ok"})
	if err != nil {
		t.Fatalf("offline write should succeed locally: %v", err)
	}
	if s.Items[0].Status != domain.StatusGood {
		t.Fatalf("local status not applied: %q", s.Items[0].Status)
	}
	e.eng.Wait()

	pending, err := e.eng.Queue.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending write, got %d", len(pending))
	}
	m := pending[0]
	if m.Entity != remote.ModelLine || m.TargetID != 101 || m.Payload["status"] != "bien" || m.Payload["observations"] != "ok" {
		t.Fatalf("unexpected pending write: %+v", m)
	}
	if m.InspectionID != 42 || m.Attempts == 0 {
		t.Fatalf("expected a recorded failed attempt: %+v", m)
	}

	e.svc.setDown(false)
	res, err := e.eng.Queue.Drain(ctx)
	if err != nil || res.Applied != 1 {
		t.Fatalf("drain after reconnect: %+v %v", res, err)
	}
	last := e.svc.writes[len(e.svc.writes)-1]
	if last.model != remote.ModelLine || last.id != 101 {
		t.Fatalf("line write not replayed: %+v", last)
	}
}

func TestAdvanceClampsAtBoundary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.eng.Policy()
	p.AutoAdvance = false
	e.eng.SetPolicy(p)
	e.toItems(t)

	mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusGood})
	for want := 1; want <= 2; want++ {
		s, err := e.eng.Advance(ctx)
		if err != nil || s.Index != want {
			t.Fatalf("advance to %d: %v", want, err)
		}
	}
	for round := 0; round < 2; round++ {
		_, err := e.eng.Advance(ctx)
		var inc *engine.IncompleteItemsError
		if !errors.As(err, &inc) || inc.Count != 2 || inc.FirstIndex != 1 {
			t.Fatalf("round %d: expected incomplete items at 1, got %v", round, err)
		}
		s, _ := e.eng.Session()
		if s.Index != 1 || s.Screen != domain.ScreenItemCapture {
			t.Fatalf("round %d: cursor not clamped: %d %s", round, s.Index, s.Screen)
		}
		if _, err := e.eng.Advance(ctx); err != nil {
			t.Fatal(err)
		}
	}

	s, err := e.eng.Retreat(ctx)
	if err != nil || s.Index != 1 {
		t.Fatalf("retreat: %v", err)
	}
}

func TestRestoreHonoursFreshnessWindow(t *testing.T) {
	cases := []struct {
		name  string
		age   time.Duration
		fresh bool
	}{
		{"younger than a day", 23 * time.Hour, true},
		{"older than a day", 25 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.toItems(t)
			mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusGood})
			e.eng.Wait()

			*e.now = e.now.Add(tc.age)
			restored := e.newEngine(nil)
			ok, err := restored.RestoreFromCache(ctx)
			if err != nil {
				t.Fatalf("restore: %v", err)
			}
			if ok != tc.fresh {
				t.Fatalf("restored=%v, want %v", ok, tc.fresh)
			}
			if !tc.fresh {
				if has, _ := e.store.Has(ctx, cache.KeyInspection); has {
					t.Fatal("stale snapshot should be discarded")
				}
				if restored.Screen() != domain.ScreenVehicleSelection {
					t.Fatalf("unexpected screen %s", restored.Screen())
				}
				return
			}
			s, err := restored.Session()
			if err != nil {
				t.Fatal(err)
			}
			if s.Screen != domain.ScreenItemCapture || s.Index != 1 || s.Items[0].Status != domain.StatusGood {
				t.Fatalf("restored session differs: %s %d %q", s.Screen, s.Index, s.Items[0].Status)
			}
			if restored.Screen() != domain.ScreenItemCapture {
				t.Fatalf("machine not restored: %s", restored.Screen())
			}
		})
	}
}

func TestSubmitDriverInfoValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.eng.SelectVehicle(ctx, 5, 0); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		edit  func(*domain.DriverInfo)
		field string
	}{
		{"missing license number", func(d *domain.DriverInfo) { d.LicenseNumber = "  " }, "license_number"},
		{"missing license type", func(d *domain.DriverInfo) { d.LicenseType = "" }, "license_type"},
		{"bad expiry date", func(d *domain.DriverInfo) { d.LicenseExpiry = "31/01/2026" }, "license_expiry"},
		{"missing odometer", func(d *domain.DriverInfo) { d.Odometer = 0 }, "odometer"},
		{"negative odometer", func(d *domain.DriverInfo) { d.Odometer = -5 }, "odometer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDriver()
			tc.edit(&d)
			_, err := e.eng.SubmitDriverInfo(ctx, d)
			var ve *engine.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
			if e.eng.Screen() != domain.ScreenDriverInfo {
				t.Fatalf("screen moved to %s", e.eng.Screen())
			}
		})
	}
}

func TestSubmitDriverInfoWithoutTemplate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.initErr = &remote.DomainError{Model: remote.ModelInspection, Method: remote.MethodInitialize, Name: "odoo.exceptions.UserError", Message: "No hay una plantilla de inspección activa"}
	if _, err := e.eng.SelectVehicle(ctx, 5, 0); err != nil {
		t.Fatal(err)
	}
	_, err := e.eng.SubmitDriverInfo(ctx, validDriver())
	if !errors.Is(err, engine.ErrNoTemplate) {
		t.Fatalf("expected no template, got %v", err)
	}
	if e.eng.Screen() != domain.ScreenDriverInfo {
		t.Fatalf("screen moved to %s", e.eng.Screen())
	}

	e.svc.mu.Lock()
	e.svc.initErr = nil
	e.svc.lines = `[]`
	e.svc.mu.Unlock()
	if _, err := e.eng.SubmitDriverInfo(ctx, validDriver()); !errors.Is(err, engine.ErrNoTemplate) {
		t.Fatalf("an empty checklist should count as no template, got %v", err)
	}
}

func TestFinalizeRejectionKeepsSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)
	for i := 0; i < 3; i++ {
		mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusGood})
	}
	if _, err := e.eng.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.RecordSignature(ctx, sampleSignature()); err != nil {
		t.Fatal(err)
	}

	e.svc.mu.Lock()
	e.svc.completeErr = &remote.DomainError{
		Model:   remote.ModelInspection,
		Method:  remote.MethodComplete,
		Name:    "odoo.exceptions.UserError",
		Message: "La lectura del odómetro es obligatoria para completar la inspección.",
	}
	e.svc.mu.Unlock()

	_, err := e.eng.Finalize(ctx)
	var rej *engine.RejectionError
	if !errors.As(err, &rej) || rej.Reason != engine.ReasonOdometer {
		t.Fatalf("expected odometer rejection, got %v", err)
	}
	if e.eng.Screen() != domain.ScreenSummary {
		t.Fatalf("rejection should stay on summary, got %s", e.eng.Screen())
	}
	if len(e.timers.fns) != 0 {
		t.Fatal("no reset may be scheduled after a rejection")
	}

	e.svc.mu.Lock()
	e.svc.completeErr = nil
	e.svc.mu.Unlock()
	s, err := e.eng.Finalize(ctx)
	if err != nil || s.Screen != domain.ScreenCompleted {
		t.Fatalf("retry finalize: %v", err)
	}
	e.eng.Wait()
	signed := 0
	for _, w := range e.svc.writes {
		if _, ok := w.values["driver_signature"]; ok {
			signed++
		}
	}
	if signed != 2 {
		t.Fatalf("each finalize sends the signature once, got %d", signed)
	}
}

func TestFinalizeOfflineReportsUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)
	for i := 0; i < 3; i++ {
		mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusNA})
	}
	if _, err := e.eng.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.eng.RecordSignature(ctx, sampleSignature()); err != nil {
		t.Fatal(err)
	}
	e.eng.Wait()
	e.svc.setDown(true)
	if _, err := e.eng.Finalize(ctx); !errors.Is(err, engine.ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if _, err := e.eng.Finalize(ctx); !errors.Is(err, engine.ErrRemoteUnavailable) {
		t.Fatal(err)
	}
	pending, _ := e.eng.Queue.List(ctx)
	if len(pending) != 1 {
		t.Fatalf("retrying finalize must not duplicate the signature write, got %d", len(pending))
	}
}

func TestLateCreateIsFenced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var concurrent error
	e.svc.onCreate = func() {
		_, concurrent = e.eng.SelectVehicle(ctx, 6, 0)
		if err := e.eng.Reset(ctx); err != nil {
			t.Errorf("reset: %v", err)
		}
	}
	_, err := e.eng.SelectVehicle(ctx, 5, 0)
	if !errors.Is(err, engine.ErrStale) {
		t.Fatalf("expected stale result, got %v", err)
	}
	if !errors.Is(concurrent, engine.ErrSessionInProgress) {
		t.Fatalf("concurrent select should be refused, got %v", concurrent)
	}
	if _, err := e.eng.Session(); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("a fenced result must not create a session: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.eng.Advance(ctx); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("advance without session: %v", err)
	}
	if _, err := e.eng.SelectVehicle(ctx, 0, 0); err == nil {
		t.Fatal("select without vehicle should fail")
	}
	if _, err := e.eng.SelectVehicle(ctx, 5, 0); err != nil {
		t.Fatal(err)
	}
	for name, op := range map[string]func(context.Context) (*domain.Session, error){
		"advance":  e.eng.Advance,
		"retreat":  e.eng.Retreat,
		"finalize": e.eng.Finalize,
		"amend":    e.eng.AmendSignature,
		"camera":   e.eng.OpenCamera,
	} {
		if _, err := op(ctx); !errors.Is(err, engine.ErrInvalidTransition) {
			t.Errorf("%s from driver info: %v", name, err)
		}
	}
	if _, err := e.eng.RecordSignature(ctx, sampleSignature()); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("sign from driver info: %v", err)
	}
	if _, err := e.eng.SelectVehicle(ctx, 5, 0); !errors.Is(err, engine.ErrSessionInProgress) {
		t.Errorf("second select: %v", err)
	}
}

func TestPhotoRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)
	photo := []domain.Photo{{Data: []byte{1}}}

	_, err := e.eng.SetItemStatus(ctx, engine.ItemUpdate{Status: domain.StatusGood, Photos: photo})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "photos" {
		t.Fatalf("photos on a good item: %v", err)
	}
	if _, err := e.eng.SetItemStatus(ctx, engine.ItemUpdate{Status: domain.StatusRegular, Photos: photo}); !errors.As(err, &ve) {
		t.Fatalf("item 0 does not allow photos on regular: %v", err)
	}
	if _, err := e.eng.SetItemStatus(ctx, engine.ItemUpdate{Status: domain.Status("great")}); !errors.As(err, &ve) {
		t.Fatalf("unknown status: %v", err)
	}

	if _, err := e.eng.OpenCamera(ctx); err != nil {
		t.Fatalf("open camera: %v", err)
	}
	s := mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusBad, Photos: photo})
	if s.Screen != domain.ScreenItemCapture {
		t.Fatalf("saving from the camera returns to the item, got %s", s.Screen)
	}
}

func TestCancelDiscardsPendingWrites(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)
	e.svc.setDown(true)
	mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusBad, Photos: []domain.Photo{{Data: []byte{1, 2}}}})
	e.eng.Wait()
	if n, _ := e.eng.Queue.Len(ctx); n != 2 {
		t.Fatalf("expected status and upload queued, got %d", n)
	}
	if err := e.eng.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n, _ := e.eng.Queue.Len(ctx); n != 0 {
		t.Fatalf("cancel should discard the session's writes, %d left", n)
	}
	if e.eng.Screen() != domain.ScreenVehicleSelection {
		t.Fatalf("unexpected screen %s", e.eng.Screen())
	}
	if err := e.eng.Cancel(ctx); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestVehiclesFallBackToCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	list, err := e.eng.Vehicles(ctx, "ABC", 10)
	if err != nil || len(list.Vehicles) != 1 || list.Stale {
		t.Fatalf("online lookup: %+v %v", list, err)
	}
	e.svc.setDown(true)
	list, err = e.eng.Vehicles(ctx, "ABC", 10)
	if err != nil || !list.Stale || list.Vehicles[0].LicensePlate != "ABC-123" {
		t.Fatalf("offline lookup should serve the cache: %+v %v", list, err)
	}
	if _, err := e.eng.RecentVehicles(ctx, 5); !errors.Is(err, engine.ErrRemoteUnavailable) {
		t.Fatalf("nothing cached for recent vehicles: %v", err)
	}
}

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		msg  string
		want engine.Reason
	}{
		{"No hay una plantilla de inspección activa", engine.ReasonTemplate},
		{"La lectura del ODÓMETRO es obligatoria", engine.ReasonOdometer},
		{"Complete todos los elementos antes de finalizar", engine.ReasonIncomplete},
		{"Quedan 3 elementos restantes", engine.ReasonIncomplete},
		{"Se requieren fotos para los elementos en mal estado: Frenos", engine.ReasonPhotos},
		{"Access denied", engine.ReasonOther},
	}
	for _, tc := range cases {
		if got := engine.ClassifyReason(tc.msg); got != tc.want {
			t.Errorf("%q: got %s want %s", tc.msg, got, tc.want)
		}
	}
}

func TestCloseStopsBackgroundDrains(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)
	writes := e.svc.called(remote.ModelLine + ".write")

	e.eng.Close()
	mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusGood})
	e.eng.Wait()
	if got := e.svc.called(remote.ModelLine + ".write"); got != writes {
		t.Fatalf("no drain may start after close, line writes %d -> %d", writes, got)
	}
	if n, _ := e.eng.Queue.Len(ctx); n != 1 {
		t.Fatalf("write after close should stay queued, %d pending", n)
	}
}

func TestFinalizeCarriesGeneralObservations(t *testing.T) {
	cases := []struct {
		name         string
		observations string
		want         any
	}{
		{name: "set", observations: "  Dented rear door ", want: "Dented rear door"},
		{name: "unset"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.toItems(t)
			for i := 0; i < 3; i++ {
				mustSet(t, e.eng, engine.ItemUpdate{Status: domain.StatusGood})
			}
			if _, err := e.eng.Advance(ctx); err != nil {
				t.Fatalf("advance to signature: %v", err)
			}
			if tc.observations != "" {
				s, err := e.eng.SetObservations(ctx, tc.observations)
				if err != nil {
					t.Fatalf("set observations: %v", err)
				}
				if s.Observations != tc.want {
					t.Fatalf("observations not trimmed: %q", s.Observations)
				}
			}
			if _, err := e.eng.RecordSignature(ctx, sampleSignature()); err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := e.eng.Finalize(ctx); err != nil {
				t.Fatalf("finalize: %v", err)
			}
			e.eng.Wait()

			var final *lineWrite
			for i := range e.svc.writes {
				w := &e.svc.writes[i]
				if w.model == remote.ModelInspection && w.values["driver_signature"] != nil {
					final = w
				}
			}
			if final == nil {
				t.Fatalf("no signature write sent: %+v", e.svc.writes)
			}
			got, ok := final.values["observations"]
			if tc.want == nil {
				if ok {
					t.Fatalf("unset observations must not be sent, got %v", got)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("finalize observations = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCaptureSubStates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.toItems(t)

	s, err := e.eng.OpenObservations(ctx)
	if err != nil || s.Screen != domain.ScreenObservations {
		t.Fatalf("open observations: %v %v", s, err)
	}
	s, err = e.eng.OpenCamera(ctx)
	if err != nil || s.Screen != domain.ScreenPhotoCapture {
		t.Fatalf("camera from observations: %v %v", s, err)
	}
	s, err = e.eng.CancelCapture(ctx)
	if err != nil || s.Screen != domain.ScreenItemCapture || s.Index != 0 {
		t.Fatalf("cancel capture: %v %v", s, err)
	}
	if _, err := e.eng.CancelCapture(ctx); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("cancel outside capture: %v", err)
	}
}
