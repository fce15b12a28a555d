package domain

import (
	"fmt"
	"time"
)

// Status is the verdict recorded for one checklist line.
type Status string

const (
	StatusUnset   Status = ""
	StatusGood    Status = "good"
	StatusRegular Status = "regular"
	StatusBad     Status = "bad"
	StatusNA      Status = "na"
)

// ParseStatus accepts the local names plus the backend's Spanish codes.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "good", "bien":
		return StatusGood, nil
	case "regular":
		return StatusRegular, nil
	case "bad", "mal":
		return StatusBad, nil
	case "na", "n/a":
		return StatusNA, nil
	}
	return StatusUnset, fmt.Errorf("invalid status %q", s)
}

func (s Status) IsSet() bool { return s != StatusUnset }

// Screen is a state of the inspection flow.
type Screen string

const (
	ScreenVehicleSelection Screen = "vehicle-selection"
	ScreenDriverInfo       Screen = "driver-info"
	ScreenItemCapture      Screen = "item-capture"
	ScreenObservations     Screen = "observations"
	ScreenPhotoCapture     Screen = "photo-capture"
	ScreenSignature        Screen = "signature"
	ScreenSummary          Screen = "summary"
	ScreenCompleted        Screen = "completed"
)

type Vehicle struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	LicensePlate         string  `json:"license_plate,omitempty"`
	Model                string  `json:"model,omitempty"`
	Color                string  `json:"color,omitempty"`
	Odometer             float64 `json:"odometer,omitempty"`
	LastInspectionDate   string  `json:"last_inspection_date,omitempty"`
	LastInspectionStatus string  `json:"last_inspection_status,omitempty"`
	DaysSinceInspection  int     `json:"days_since_inspection,omitempty"`
	InspectionDue        bool    `json:"inspection_due,omitempty"`
	HasDraftInspection   bool    `json:"has_draft_inspection,omitempty"`
}

type DriverInfo struct {
	DriverID        int64   `json:"driver_id,omitempty"`
	LicenseNumber   string  `json:"license_number"`
	LicenseType     string  `json:"license_type"`
	LicenseExpiry   string  `json:"license_expiry,omitempty" format:"date"`
	DefensiveCourse bool    `json:"defensive_course,omitempty"`
	CourseExpiry    string  `json:"course_expiry,omitempty" format:"date"`
	CourseDuration  string  `json:"course_duration,omitempty"`
	InsurancePolicy string  `json:"insurance_policy,omitempty"`
	InsuranceExpiry string  `json:"insurance_expiry,omitempty" format:"date"`
	Odometer        float64 `json:"odometer,omitempty"`
}

// PhotoRef points at a captured photo. RemoteID stays 0 until the upload is confirmed.
type PhotoRef struct {
	LocalID  string `json:"local_id"`
	RemoteID int64  `json:"remote_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Item struct {
	ID                    int64      `json:"id"`
	TemplateItemID        int64      `json:"template_item_id"`
	Name                  string     `json:"name"`
	Section               string     `json:"section,omitempty"`
	SectionSequence       int        `json:"section_sequence"`
	Sequence              int        `json:"sequence"`
	Status                Status     `json:"status" enum:",good,regular,bad,na"`
	Observations          string     `json:"observations,omitempty"`
	Photos                []PhotoRef `json:"photos,omitempty"`
	PhotoRequiredOnBad    bool       `json:"photo_required_on_bad"`
	PhotoAllowedOnRegular bool       `json:"photo_allowed_on_regular"`
	InspectedAt           *time.Time `json:"inspected_at,omitempty"`
}

// NeedsPhoto reports whether the item is bad, requires a photo and has none.
// requireForBad is the company-wide switch.
func (it Item) NeedsPhoto(requireForBad bool) bool {
	return requireForBad && it.Status == StatusBad && it.PhotoRequiredOnBad && len(it.Photos) == 0
}

// Overall verdicts, worst first.
const (
	OverallMaintenance = "maintenance"
	OverallAttention   = "attention"
	OverallGood        = "good"
)

type Stats struct {
	Good              int     `json:"good"`
	Regular           int     `json:"regular"`
	Bad               int     `json:"bad"`
	NA                int     `json:"na"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	CompletionPercent float64 `json:"completion_percent"`
	Overall           string  `json:"overall" enum:"maintenance,attention,good"`
}

// ComputeStats counts items by status and derives the overall verdict.
func ComputeStats(items []Item) Stats {
	var s Stats
	for _, it := range items {
		switch it.Status {
		case StatusGood:
			s.Good++
		case StatusRegular:
			s.Regular++
		case StatusBad:
			s.Bad++
		case StatusNA:
			s.NA++
		}
	}
	s.Total = len(items)
	s.Completed = s.Good + s.Regular + s.Bad + s.NA
	if s.Total > 0 {
		s.CompletionPercent = float64(s.Completed) / float64(s.Total) * 100
	}
	switch {
	case s.Bad > 0:
		s.Overall = OverallMaintenance
	case s.Regular > 0:
		s.Overall = OverallAttention
	default:
		s.Overall = OverallGood
	}
	return s
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Photo is an encoded capture ready for upload.
type Photo struct {
	LocalID  string    `json:"local_id"`
	Data     []byte    `json:"data"`
	MIME     string    `json:"mime"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Filename string    `json:"filename"`
	Device   string    `json:"device,omitempty"`
	TakenAt  time.Time `json:"taken_at"`
	Location *Location `json:"location,omitempty"`
}

type PointKind string

const (
	PointStart PointKind = "start"
	PointMove  PointKind = "move"
	PointEnd   PointKind = "end"
)

type Point struct {
	X    float64   `json:"x"`
	Y    float64   `json:"y"`
	Kind PointKind `json:"kind" enum:"start,move,end"`
}

type Stroke struct {
	Points []Point `json:"points"`
}

// Signature is the rendered output of the signature pad.
type Signature struct {
	Strokes []Stroke `json:"strokes"`
	PNG     []byte   `json:"png,omitempty"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
}

func (s *Signature) Empty() bool {
	if s == nil {
		return true
	}
	for _, st := range s.Strokes {
		if len(st.Points) > 0 {
			return false
		}
	}
	return len(s.PNG) == 0
}

// Session is one inspection in progress. Index ranges over [0, len(Items)];
// Index == len(Items) means every item has been visited.
type Session struct {
	InspectionID *int64     `json:"inspection_id,omitempty"`
	Vehicle      Vehicle    `json:"vehicle"`
	Driver       DriverInfo `json:"driver"`
	TemplateID   int64      `json:"template_id,omitempty"`
	Items        []Item     `json:"items"`
	Index        int        `json:"index"`
	Screen       Screen     `json:"screen"`
	Stats        Stats      `json:"stats"`
	Signature    *Signature `json:"signature,omitempty"`
	Observations string     `json:"observations,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Current returns the item under the cursor.
func (s *Session) Current() (*Item, bool) {
	if s == nil || s.Index < 0 || s.Index >= len(s.Items) {
		return nil, false
	}
	return &s.Items[s.Index], true
}

// FirstUnset returns the index of the first item without a status (-1 if
// none) and the number of unset items.
func (s *Session) FirstUnset() (int, int) {
	first, count := -1, 0
	for i, it := range s.Items {
		if !it.Status.IsSet() {
			if first < 0 {
				first = i
			}
			count++
		}
	}
	return first, count
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.InspectionID != nil {
		id := *s.InspectionID
		c.InspectionID = &id
	}
	c.Items = make([]Item, len(s.Items))
	for i, it := range s.Items {
		it.Photos = append([]PhotoRef(nil), it.Photos...)
		if it.InspectedAt != nil {
			at := *it.InspectedAt
			it.InspectedAt = &at
		}
		c.Items[i] = it
	}
	if s.Signature != nil {
		sig := *s.Signature
		sig.Strokes = make([]Stroke, len(s.Signature.Strokes))
		for i, st := range s.Signature.Strokes {
			sig.Strokes[i] = Stroke{Points: append([]Point(nil), st.Points...)}
		}
		sig.PNG = append([]byte(nil), s.Signature.PNG...)
		c.Signature = &sig
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

type MutationOp string

const (
	OpWrite  MutationOp = "write"
	OpCreate MutationOp = "create"
	OpCall   MutationOp = "call"
)

// PendingMutation is a locally applied write not yet confirmed by the backend.
type PendingMutation struct {
	ID             string         `json:"id"`
	Op             MutationOp     `json:"op" enum:"write,create,call"`
	Entity         string         `json:"entity"`
	TargetID       int64          `json:"target_id,omitempty"`
	Method         string         `json:"method,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Args           []any          `json:"args,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	InspectionID   int64          `json:"inspection_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Attempts       int            `json:"attempts,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
}

type Template struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Items []TemplateItem `json:"items"`
}

type TemplateItem struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	Section               string `json:"section,omitempty"`
	SectionSequence       int    `json:"section_sequence"`
	Sequence              int    `json:"sequence"`
	Mandatory             bool   `json:"mandatory"`
	PhotoRequiredOnBad    bool   `json:"photo_required_on_bad"`
	PhotoAllowedOnRegular bool   `json:"photo_allowed_on_regular"`
	Instructions          string `json:"instructions,omitempty"`
}

// Event is one journal record of session activity.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	InspectionID int64  `json:"inspection_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	Screen       Screen `json:"screen,omitempty"`
	Payload      string `json:"payload_json"`
}
