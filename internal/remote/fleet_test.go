package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"fleetinspect/internal/config"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/remote"
)

// stubService returns canned raw JSON per model.method.
type stubService struct {
	results map[string]string
	err     error
	calls   []string
	args    [][]any
	kwargs  []map[string]any
}

func (s *stubService) reply(model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	s.calls = append(s.calls, model+"."+method)
	s.args = append(s.args, args)
	s.kwargs = append(s.kwargs, kwargs)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.results[model+"."+method]), nil
}

func (s *stubService) Create(ctx context.Context, model string, values map[string]any, kwargs map[string]any) (int64, error) {
	_, err := s.reply(model, "create", []any{values}, kwargs)
	return 1, err
}

func (s *stubService) Read(ctx context.Context, model string, ids []int64, fields []string) (json.RawMessage, error) {
	return s.reply(model, "read", []any{ids}, nil)
}

func (s *stubService) SearchRead(ctx context.Context, model string, domain []any, fields []string, opts remote.SearchOptions) (json.RawMessage, error) {
	return s.reply(model, "search_read", domain, map[string]any{"order": opts.Order, "limit": opts.Limit})
}

func (s *stubService) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	_, err := s.reply(model, "write", []any{ids, values}, nil)
	return err
}

func (s *stubService) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	return s.reply(model, method, args, kwargs)
}

func TestCreateFromVehicleAcceptsIDShapes(t *testing.T) {
	for _, raw := range []string{`9`, `[9]`, `{"id": 9}`} {
		svc := &stubService{results: map[string]string{"fleet.inspection.create_from_vehicle": raw}}
		id, err := remote.NewFleet(svc).CreateFromVehicle(context.Background(), 3, 0, "k-1")
		if err != nil || id != 9 {
			t.Fatalf("%s: got %d, %v", raw, id, err)
		}
		if svc.args[0][1] != false {
			t.Fatalf("missing driver should be sent as false, got %v", svc.args[0][1])
		}
		ctx, _ := svc.kwargs[0]["context"].(map[string]any)
		if ctx["idempotency_key"] != "k-1" {
			t.Fatalf("idempotency key not sent: %v", svc.kwargs[0])
		}
	}
	svc := &stubService{results: map[string]string{"fleet.inspection.create_from_vehicle": `false`}}
	if _, err := remote.NewFleet(svc).CreateFromVehicle(context.Background(), 3, 0, ""); !errors.Is(err, remote.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestInspectionLinesDecodesOdooValues(t *testing.T) {
	svc := &stubService{results: map[string]string{"fleet.inspection.line.search_read": `[
		{"id": 12, "template_item_id": [5, "Frenos"], "name": false, "section": "SISTEMA DE FRENOS", "sequence": 20, "section_sequence": 30, "status": "mal", "observations": false, "photo_ids": [81], "inspected_at": "2024-05-01 08:30:00"},
		{"id": 11, "template_item_id": [4, "Luces"], "name": "Luces", "section": "SISTEMA ELÉCTRICO", "sequence": 10, "section_sequence": 10, "status": false, "observations": "ok", "photo_ids": [], "inspected_at": false}
	]`}}
	items, err := remote.NewFleet(svc).InspectionLines(context.Background(), 3)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(items) != 2 || items[0].ID != 11 || items[1].ID != 12 {
		t.Fatalf("lines not ordered by section: %+v", items)
	}
	bad := items[1]
	if bad.Status != domain.StatusBad || bad.Name != "Frenos" || bad.TemplateItemID != 5 {
		t.Fatalf("unexpected decoded line %+v", bad)
	}
	if len(bad.Photos) != 1 || bad.Photos[0].RemoteID != 81 || bad.InspectedAt == nil {
		t.Fatalf("photos or timestamp lost: %+v", bad)
	}
	if items[0].Status != domain.StatusUnset || items[0].InspectedAt != nil {
		t.Fatalf("false values must decode as empty: %+v", items[0])
	}
}

func TestInspectionLinesRejectsBadShape(t *testing.T) {
	svc := &stubService{results: map[string]string{"fleet.inspection.line.search_read": `{"id": 1}`}}
	if _, err := remote.NewFleet(svc).InspectionLines(context.Background(), 3); !errors.Is(err, remote.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	svc.results["fleet.inspection.line.search_read"] = `[{"id": 1, "status": "excelente"}]`
	if _, err := remote.NewFleet(svc).InspectionLines(context.Background(), 3); !errors.Is(err, remote.ErrSchema) {
		t.Fatalf("unknown status should be a schema error, got %v", err)
	}
}

func TestCompanySettingsOverlaysBase(t *testing.T) {
	svc := &stubService{results: map[string]string{"res.company.search_read": `[
		{"inspection_require_photo_for_bad": false, "inspection_max_photos_per_item": 5, "inspection_enable_gps": true}
	]`}}
	base := config.Default().Policy
	base.AutoAdvance = true
	got, err := remote.NewFleet(svc).CompanySettings(context.Background(), base)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequirePhotoForBad || got.MaxPhotosPerItem != 5 || !got.EnableGPS {
		t.Fatalf("company values not applied: %+v", got)
	}
	if !got.AutoAdvance {
		t.Fatalf("missing fields must keep base values: %+v", got)
	}
}

func TestUploadPhotoResult(t *testing.T) {
	svc := &stubService{results: map[string]string{"fleet.inspection.photo.upload_photo_base64": `{"success": true, "photo_id": 44, "photo_name": "IMG-44"}`}}
	p := domain.Photo{LocalID: "local-1", Data: []byte{0xff, 0xd8}, Filename: "a.jpg", Location: &domain.Location{Latitude: 1.5, Longitude: -2}}
	res, err := remote.NewFleet(svc).UploadPhoto(context.Background(), 12, p)
	if err != nil || res.PhotoID != 44 {
		t.Fatalf("upload: %+v %v", res, err)
	}
	meta := svc.args[0][2].(map[string]any)
	if meta["client_ref"] != "local-1" || meta["latitude"] != 1.5 {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if svc.args[0][1] != "/9g=" {
		t.Fatalf("photo must be base64 encoded, got %v", svc.args[0][1])
	}

	if _, err := remote.ParseUploadResult(json.RawMessage(`{"error": "No image data provided"}`)); !remote.IsDomain(err) {
		t.Fatalf("expected domain error, got %v", err)
	}
}

func TestStatusWireMapping(t *testing.T) {
	cases := map[domain.Status]any{
		domain.StatusGood:    "bien",
		domain.StatusRegular: "regular",
		domain.StatusBad:     "mal",
		domain.StatusNA:      "na",
		domain.StatusUnset:   false,
	}
	for s, want := range cases {
		if got := remote.StatusToWire(s); got != want {
			t.Fatalf("%q: got %v want %v", s, got, want)
		}
	}
}
