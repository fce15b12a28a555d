package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"fleetinspect/internal/app"
	"fleetinspect/internal/config"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/engine"
	"fleetinspect/internal/remote"
	"fleetinspect/pkg/log"
)

// draftOnly opens inspection 42 and refuses everything else.
type draftOnly struct{}

func (draftOnly) Create(ctx context.Context, model string, values map[string]any, kwargs map[string]any) (int64, error) {
	return 0, &remote.TransportError{Op: "create", Err: errors.New("offline")}
}

func (draftOnly) Read(ctx context.Context, model string, ids []int64, fields []string) (json.RawMessage, error) {
	return nil, &remote.TransportError{Op: "read", Err: errors.New("offline")}
}

func (draftOnly) SearchRead(ctx context.Context, model string, domain []any, fields []string, opts remote.SearchOptions) (json.RawMessage, error) {
	return nil, &remote.TransportError{Op: "search_read", Err: errors.New("offline")}
}

func (draftOnly) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return &remote.TransportError{Op: "write", Err: errors.New("offline")}
}

func (draftOnly) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if method == remote.MethodCreateFromVehicle {
		return json.RawMessage(`42`), nil
	}
	return nil, &remote.TransportError{Op: method, Err: errors.New("offline")}
}

func open(t *testing.T, workspace string, restore bool) *app.Context {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: workspace,
		Config:    config.Default(),
		Service:   draftOnly{},
		Logger:    log.NewNopLogger(),
		Restore:   restore,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return a
}

func TestSessionSurvivesReopen(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()

	a := open(t, workspace, true)
	if _, err := a.Engine.Session(); !errors.Is(err, engine.ErrNoSession) {
		t.Fatalf("fresh workspace should have no session, got %v", err)
	}
	if _, err := a.Engine.SelectVehicle(ctx, 5, 0); err != nil {
		t.Fatalf("select vehicle: %v", err)
	}
	_, err := a.Engine.SubmitDriverInfo(ctx, domain.DriverInfo{LicenseNumber: "LIC-1", LicenseType: "C", Odometer: 10})
	if !errors.Is(err, engine.ErrRemoteUnavailable) {
		t.Fatalf("expected the driver submit to wait for the network, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b := open(t, workspace, true)
	defer b.Close()
	s, err := b.Engine.Session()
	if err != nil {
		t.Fatalf("session not restored: %v", err)
	}
	if s.InspectionID == nil || *s.InspectionID != 42 || s.Screen != domain.ScreenDriverInfo {
		t.Fatalf("unexpected restored session: %+v", s)
	}
	if s.Driver.LicenseNumber != "LIC-1" {
		t.Fatalf("driver info should survive, got %+v", s.Driver)
	}
	pending, err := b.Queue.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Entity != remote.ModelInspection {
		t.Fatalf("expected the driver write to stay queued, got %+v", pending)
	}
}

func TestOpenWithoutRestoreStartsClean(t *testing.T) {
	workspace := t.TempDir()
	a := open(t, workspace, false)
	if _, err := a.Engine.SelectVehicle(context.Background(), 5, 0); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b := open(t, workspace, false)
	defer b.Close()
	if b.Engine.Screen() != domain.ScreenVehicleSelection {
		t.Fatalf("expected vehicle selection, got %s", b.Engine.Screen())
	}
}
