package events_test

import (
	"context"
	"testing"
	"time"

	"fleetinspect/internal/db"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/events"
	"fleetinspect/internal/migrate"
)

func TestAppendAndList(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	j := events.Journal{DB: conn, Now: func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }}
	ctx := context.Background()
	recs := []events.Record{
		{Type: "session.started", InspectionID: 7, EntityKind: "inspection", EntityID: "7", Screen: domain.ScreenDriverInfo},
		{Type: "item.status", InspectionID: 7, EntityKind: "line", EntityID: "12", Screen: domain.ScreenItemCapture, Payload: events.EventPayload{"status": "bad"}},
		{Type: "session.started", InspectionID: 8, EntityKind: "inspection", EntityID: "8"},
	}
	for _, r := range recs {
		if err := j.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := j.List(ctx, events.Query{InspectionID: 7})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Type != "item.status" {
		t.Fatalf("expected newest first for inspection 7, got %+v", got)
	}
	if got[0].Payload != `{"status":"bad"}` || got[0].Screen != domain.ScreenItemCapture {
		t.Fatalf("unexpected event %+v", got[0])
	}
	started, err := j.List(ctx, events.Query{Type: "session.started", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 1 || started[0].InspectionID != 8 || started[0].Screen != "" {
		t.Fatalf("unexpected filtered events %+v", started)
	}
}
