package server

import (
	"time"

	"fleetinspect/internal/domain"
	"fleetinspect/internal/engine"
	"fleetinspect/internal/syncq"
)

// Request payloads

type StartSessionRequest struct {
	VehicleID int64 `json:"vehicle_id" minimum:"1"`
	DriverID  int64 `json:"driver_id,omitempty"`
}

type PhotoRequest struct {
	Data     []byte           `json:"data" doc:"JPEG bytes, base64 encoded"`
	MIME     string           `json:"mime,omitempty"`
	Width    int              `json:"width,omitempty"`
	Height   int              `json:"height,omitempty"`
	Filename string           `json:"filename,omitempty"`
	TakenAt  *time.Time       `json:"taken_at,omitempty"`
	Location *domain.Location `json:"location,omitempty"`
}

type ItemStatusRequest struct {
	Status       string         `json:"status" enum:"good,regular,bad,na,bien,mal"`
	Observations string         `json:"observations,omitempty"`
	Photos       []PhotoRequest `json:"photos,omitempty"`
}

type ObservationsRequest struct {
	Observations string `json:"observations" doc:"General observations of the inspection; empty clears them"`
}

type SignatureRequest struct {
	Strokes []domain.Stroke `json:"strokes"`
	Width   int             `json:"width,omitempty"`
	Height  int             `json:"height,omitempty"`
}

// Response payloads

type ItemResponse struct {
	domain.Item
	NeedsPhoto bool `json:"needs_photo"`
}

type SessionResponse struct {
	InspectionID int64             `json:"inspection_id,omitempty"`
	Screen       domain.Screen     `json:"screen"`
	Vehicle      domain.Vehicle    `json:"vehicle"`
	Driver       domain.DriverInfo `json:"driver"`
	TemplateID   int64             `json:"template_id,omitempty"`
	Index        int               `json:"index"`
	Current      *ItemResponse     `json:"current,omitempty"`
	Items        []ItemResponse    `json:"items"`
	Stats        domain.Stats      `json:"stats"`
	Signed       bool              `json:"signed"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

type SyncResponse struct {
	Pending  []domain.PendingMutation `json:"pending"`
	Rejected []domain.PendingMutation `json:"rejected"`
}

type DrainResponse struct {
	syncq.DrainResult
	Error string `json:"error,omitempty"`
}

type VehiclesResponse = engine.VehicleList

func toPhotos(in []PhotoRequest) []domain.Photo {
	out := make([]domain.Photo, 0, len(in))
	for _, p := range in {
		ph := domain.Photo{
			Data:     p.Data,
			MIME:     p.MIME,
			Width:    p.Width,
			Height:   p.Height,
			Filename: p.Filename,
			Location: p.Location,
		}
		if p.TakenAt != nil {
			ph.TakenAt = p.TakenAt.UTC()
		}
		out = append(out, ph)
	}
	return out
}

func mapSession(s *domain.Session, requireForBad bool) SessionResponse {
	out := SessionResponse{
		Screen:      s.Screen,
		Vehicle:     s.Vehicle,
		Driver:      s.Driver,
		TemplateID:  s.TemplateID,
		Index:       s.Index,
		Items:       make([]ItemResponse, 0, len(s.Items)),
		Stats:       s.Stats,
		Signed:      !s.Signature.Empty(),
		StartedAt:   s.StartedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.InspectionID != nil {
		out.InspectionID = *s.InspectionID
	}
	for _, it := range s.Items {
		out.Items = append(out.Items, ItemResponse{Item: it, NeedsPhoto: it.NeedsPhoto(requireForBad)})
	}
	if s.Index >= 0 && s.Index < len(out.Items) {
		cur := out.Items[s.Index]
		out.Current = &cur
	}
	return out
}
