package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"fleetinspect/internal/config"
	"fleetinspect/internal/domain"
)

const (
	ModelInspection   = "fleet.inspection"
	ModelLine         = "fleet.inspection.line"
	ModelPhoto        = "fleet.inspection.photo"
	ModelVehicle      = "fleet.vehicle"
	ModelTemplateItem = "fleet.inspection.template.item"
	ModelCompany      = "res.company"
)

// Procedure names exposed by the backend.
const (
	MethodCreateFromVehicle = "create_from_vehicle"
	MethodInitialize        = "initialize_mobile_inspection"
	MethodComplete          = "action_complete_inspection"
	MethodVehicles          = "get_vehicles_for_inspection"
	MethodRecentVehicles    = "get_recent_inspected_vehicles"
	MethodUploadPhoto       = "upload_photo_base64"
)

// ServerTime is the datetime layout the ORM accepts.
const ServerTime = "2006-01-02 15:04:05"

// Fleet wraps a Service with typed inspection procedures.
type Fleet struct {
	Svc Service
}

func NewFleet(svc Service) *Fleet { return &Fleet{Svc: svc} }

// StatusToWire maps a local status to the backend selection value. Unset maps to false.
func StatusToWire(s domain.Status) any {
	switch s {
	case domain.StatusGood:
		return "bien"
	case domain.StatusBad:
		return "mal"
	case domain.StatusRegular, domain.StatusNA:
		return string(s)
	}
	return false
}

func StatusFromWire(v Text) (domain.Status, error) {
	if v == "" {
		return domain.StatusUnset, nil
	}
	s, err := domain.ParseStatus(string(v))
	if err != nil {
		return domain.StatusUnset, schemaError("line status", err)
	}
	return s, nil
}

// IdempotencyContext returns the call kwargs carrying key in the request context.
func IdempotencyContext(key string) map[string]any {
	if key == "" {
		return nil
	}
	return map[string]any{"context": map[string]any{"idempotency_key": key}}
}

// CreateFromVehicle opens a draft inspection and returns its id.
func (f *Fleet) CreateFromVehicle(ctx context.Context, vehicleID, driverID int64, idempotencyKey string) (int64, error) {
	var driver any = false
	if driverID > 0 {
		driver = driverID
	}
	raw, err := f.Svc.Call(ctx, ModelInspection, MethodCreateFromVehicle, []any{vehicleID, driver}, IdempotencyContext(idempotencyKey))
	if err != nil {
		return 0, err
	}
	return decodeID(raw)
}

// InitializeInspection builds the inspection lines from the active template.
func (f *Fleet) InitializeInspection(ctx context.Context, inspectionID int64) error {
	_, err := f.Svc.Call(ctx, ModelInspection, MethodInitialize, []any{[]int64{inspectionID}}, nil)
	return err
}

// CompleteInspection asks the backend to verify and close the inspection.
func (f *Fleet) CompleteInspection(ctx context.Context, inspectionID int64) error {
	_, err := f.Svc.Call(ctx, ModelInspection, MethodComplete, []any{[]int64{inspectionID}}, nil)
	return err
}

type inspectionRecord struct {
	ID         int64    `json:"id"`
	TemplateID Many2One `json:"template_id"`
	State      Text     `json:"state"`
}

// InspectionTemplate returns the template id of an inspection.
func (f *Fleet) InspectionTemplate(ctx context.Context, inspectionID int64) (int64, error) {
	raw, err := f.Svc.Read(ctx, ModelInspection, []int64{inspectionID}, []string{"id", "template_id", "state"})
	if err != nil {
		return 0, err
	}
	var recs []inspectionRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return 0, schemaError(ModelInspection, err)
	}
	if len(recs) != 1 {
		return 0, schemaError(ModelInspection, fmt.Errorf("expected 1 record, got %d", len(recs)))
	}
	return recs[0].TemplateID.ID, nil
}

var lineFields = []string{"id", "template_item_id", "name", "section", "sequence", "section_sequence", "status", "observations", "photo_ids", "inspected_at"}

type lineRecord struct {
	ID              int64    `json:"id"`
	TemplateItem    Many2One `json:"template_item_id"`
	Name            Text     `json:"name"`
	Section         Text     `json:"section"`
	Sequence        Number   `json:"sequence"`
	SectionSequence Number   `json:"section_sequence"`
	Status          Text     `json:"status"`
	Observations    Text     `json:"observations"`
	PhotoIDs        []int64  `json:"photo_ids"`
	InspectedAt     Text     `json:"inspected_at"`
}

// InspectionLines returns the checklist of an inspection ordered by section, sequence and id.
func (f *Fleet) InspectionLines(ctx context.Context, inspectionID int64) ([]domain.Item, error) {
	raw, err := f.Svc.SearchRead(ctx, ModelLine, []any{[]any{"inspection_id", "=", inspectionID}}, lineFields,
		SearchOptions{Order: "section_sequence, sequence, id"})
	if err != nil {
		return nil, err
	}
	var recs []lineRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, schemaError(ModelLine, err)
	}
	items := make([]domain.Item, 0, len(recs))
	for _, r := range recs {
		if r.ID <= 0 {
			return nil, schemaError(ModelLine, fmt.Errorf("line without id"))
		}
		status, err := StatusFromWire(r.Status)
		if err != nil {
			return nil, err
		}
		it := domain.Item{
			ID:              r.ID,
			TemplateItemID:  r.TemplateItem.ID,
			Name:            string(r.Name),
			Section:         string(r.Section),
			Sequence:        int(r.Sequence),
			SectionSequence: int(r.SectionSequence),
			Status:          status,
			Observations:    string(r.Observations),
		}
		if it.Name == "" {
			it.Name = r.TemplateItem.Name
		}
		for _, pid := range r.PhotoIDs {
			it.Photos = append(it.Photos, domain.PhotoRef{LocalID: fmt.Sprintf("remote-%d", pid), RemoteID: pid})
		}
		if r.InspectedAt != "" {
			if at, err := time.ParseInLocation(ServerTime, string(r.InspectedAt), time.UTC); err == nil {
				it.InspectedAt = &at
			}
		}
		items = append(items, it)
	}
	SortItems(items)
	return items, nil
}

// SortItems orders items by section sequence, sequence, then id.
func SortItems(items []domain.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.SectionSequence != b.SectionSequence {
			return a.SectionSequence < b.SectionSequence
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
}

var templateItemFields = []string{"id", "name", "section_id", "sequence", "section_sequence", "is_mandatory", "photo_required_on_bad", "photo_allowed_on_regular", "instructions"}

type templateItemRecord struct {
	ID                    int64    `json:"id"`
	Name                  Text     `json:"name"`
	Section               Many2One `json:"section_id"`
	Sequence              Number   `json:"sequence"`
	SectionSequence       Number   `json:"section_sequence"`
	Mandatory             bool     `json:"is_mandatory"`
	PhotoRequiredOnBad    bool     `json:"photo_required_on_bad"`
	PhotoAllowedOnRegular bool     `json:"photo_allowed_on_regular"`
	Instructions          Text     `json:"instructions"`
}

// TemplateItems reads template item configuration by id.
func (f *Fleet) TemplateItems(ctx context.Context, ids []int64) ([]domain.TemplateItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := f.Svc.Read(ctx, ModelTemplateItem, ids, templateItemFields)
	if err != nil {
		return nil, err
	}
	var recs []templateItemRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, schemaError(ModelTemplateItem, err)
	}
	out := make([]domain.TemplateItem, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.TemplateItem{
			ID:                    r.ID,
			Name:                  string(r.Name),
			Section:               r.Section.Name,
			SectionSequence:       int(r.SectionSequence),
			Sequence:              int(r.Sequence),
			Mandatory:             r.Mandatory,
			PhotoRequiredOnBad:    r.PhotoRequiredOnBad,
			PhotoAllowedOnRegular: r.PhotoAllowedOnRegular,
			Instructions:          string(r.Instructions),
		})
	}
	return out, nil
}

type vehicleRecord struct {
	ID                   int64  `json:"id"`
	Name                 Text   `json:"name"`
	LicensePlate         Text   `json:"license_plate"`
	Model                Text   `json:"model"`
	Color                Text   `json:"color"`
	LastInspectionDate   Text   `json:"last_inspection_date"`
	LastInspectionStatus Text   `json:"last_inspection_status"`
	DaysSinceInspection  Number `json:"days_since_inspection"`
	InspectionDue        bool   `json:"inspection_due"`
	HasDraftInspection   bool   `json:"has_draft_inspection"`
}

func decodeVehicles(raw json.RawMessage) ([]domain.Vehicle, error) {
	var recs []vehicleRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, schemaError(ModelVehicle, err)
	}
	out := make([]domain.Vehicle, 0, len(recs))
	for _, r := range recs {
		if r.ID <= 0 {
			return nil, schemaError(ModelVehicle, fmt.Errorf("vehicle without id"))
		}
		out = append(out, domain.Vehicle{
			ID:                   r.ID,
			Name:                 string(r.Name),
			LicensePlate:         string(r.LicensePlate),
			Model:                string(r.Model),
			Color:                string(r.Color),
			LastInspectionDate:   string(r.LastInspectionDate),
			LastInspectionStatus: string(r.LastInspectionStatus),
			DaysSinceInspection:  int(r.DaysSinceInspection),
			InspectionDue:        r.InspectionDue,
			HasDraftInspection:   r.HasDraftInspection,
		})
	}
	return out, nil
}

// VehiclesForInspection searches active vehicles by plate, VIN or model.
func (f *Fleet) VehiclesForInspection(ctx context.Context, search string, limit int) ([]domain.Vehicle, error) {
	if limit <= 0 {
		limit = 20
	}
	var term any = false
	if search != "" {
		term = search
	}
	raw, err := f.Svc.Call(ctx, ModelVehicle, MethodVehicles, []any{term}, map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeVehicles(raw)
}

// RecentVehicles lists vehicles the current user inspected most recently.
func (f *Fleet) RecentVehicles(ctx context.Context, limit int) ([]domain.Vehicle, error) {
	if limit <= 0 {
		limit = 5
	}
	raw, err := f.Svc.Call(ctx, ModelVehicle, MethodRecentVehicles, nil, map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeVehicles(raw)
}

var companyFields = []string{
	"inspection_require_photo_for_bad",
	"inspection_allow_photo_for_regular",
	"inspection_max_photos_per_item",
	"inspection_enable_gps",
	"inspection_require_signature",
	"inspection_auto_advance",
	"inspection_require_odometer",
}

type companyRecord struct {
	RequirePhotoForBad   *bool   `json:"inspection_require_photo_for_bad"`
	AllowPhotoForRegular *bool   `json:"inspection_allow_photo_for_regular"`
	MaxPhotosPerItem     *Number `json:"inspection_max_photos_per_item"`
	EnableGPS            *bool   `json:"inspection_enable_gps"`
	RequireSignature     *bool   `json:"inspection_require_signature"`
	AutoAdvance          *bool   `json:"inspection_auto_advance"`
	RequireOdometer      *bool   `json:"inspection_require_odometer"`
}

// CompanySettings reads the inspection policy of the user's company.
// Fields the backend does not return keep the values from base.
func (f *Fleet) CompanySettings(ctx context.Context, base config.Policy) (config.Policy, error) {
	raw, err := f.Svc.SearchRead(ctx, ModelCompany, nil, companyFields, SearchOptions{Limit: 1})
	if err != nil {
		return base, err
	}
	var recs []companyRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return base, schemaError(ModelCompany, err)
	}
	if len(recs) == 0 {
		return base, nil
	}
	r, p := recs[0], base
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setBool(&p.RequirePhotoForBad, r.RequirePhotoForBad)
	setBool(&p.AllowPhotoForRegular, r.AllowPhotoForRegular)
	setBool(&p.EnableGPS, r.EnableGPS)
	setBool(&p.RequireSignature, r.RequireSignature)
	setBool(&p.AutoAdvance, r.AutoAdvance)
	setBool(&p.RequireOdometer, r.RequireOdometer)
	if r.MaxPhotosPerItem != nil && *r.MaxPhotosPerItem >= 1 {
		p.MaxPhotosPerItem = int(*r.MaxPhotosPerItem)
	}
	return p, nil
}

// UploadResult is the reply of the photo upload procedure.
type UploadResult struct {
	Success   bool   `json:"success"`
	PhotoID   int64  `json:"photo_id"`
	PhotoName string `json:"photo_name"`
}

// UploadPhotoArgs builds the positional arguments of the upload procedure.
// The photo's LocalID travels as metadata.client_ref.
func UploadPhotoArgs(lineID int64, p domain.Photo) []any {
	meta := map[string]any{
		"filename":   p.Filename,
		"client_ref": p.LocalID,
	}
	if p.Device != "" {
		meta["device_info"] = p.Device
	}
	if p.Location != nil {
		meta["latitude"] = p.Location.Latitude
		meta["longitude"] = p.Location.Longitude
	}
	return []any{lineID, base64.StdEncoding.EncodeToString(p.Data), meta}
}

// ParseUploadResult validates an upload reply.
func ParseUploadResult(raw json.RawMessage) (UploadResult, error) {
	if perr := procedureError(ModelPhoto, MethodUploadPhoto, raw); perr != nil {
		return UploadResult{}, perr
	}
	var res UploadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return UploadResult{}, schemaError(MethodUploadPhoto, err)
	}
	if !res.Success || res.PhotoID <= 0 {
		return UploadResult{}, schemaError(MethodUploadPhoto, fmt.Errorf("got %s", truncate(raw, 80)))
	}
	return res, nil
}

// UploadPhoto sends one photo for a line.
func (f *Fleet) UploadPhoto(ctx context.Context, lineID int64, p domain.Photo) (UploadResult, error) {
	raw, err := f.Svc.Call(ctx, ModelPhoto, MethodUploadPhoto, UploadPhotoArgs(lineID, p), nil)
	if err != nil {
		return UploadResult{}, err
	}
	return ParseUploadResult(raw)
}
