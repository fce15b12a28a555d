package engine

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reason is the mapped cause of a completion rejection.
type Reason string

const (
	ReasonTemplate   Reason = "template"
	ReasonOdometer   Reason = "odometer"
	ReasonIncomplete Reason = "incomplete"
	ReasonPhotos     Reason = "photos"
	ReasonOther      Reason = "other"
)

// Message is the user-facing text for a reason.
func (r Reason) Message() string {
	switch r {
	case ReasonTemplate:
		return "No inspection template is configured. Ask an administrator to activate one."
	case ReasonOdometer:
		return "The odometer reading is required to complete the inspection."
	case ReasonIncomplete:
		return "Some checklist items have no status yet."
	case ReasonPhotos:
		return "Items marked bad need at least one photo."
	}
	return "The inspection could not be completed."
}

var reasonPatterns = []struct {
	reason   Reason
	patterns []string
}{
	{ReasonTemplate, []string{"plantilla", "template"}},
	{ReasonOdometer, []string{"odometro", "odometer"}},
	{ReasonIncomplete, []string{"complete todos", "elementos restantes", "incomplete"}},
	{ReasonPhotos, []string{"se requieren fotos", "photo", "foto"}},
}

// fold lowercases s and strips combining marks so "Odómetro" matches "odometro".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ClassifyReason maps a backend rejection message to a Reason.
func ClassifyReason(message string) Reason {
	m := fold(message)
	for _, rp := range reasonPatterns {
		for _, p := range rp.patterns {
			if strings.Contains(m, p) {
				return rp.reason
			}
		}
	}
	return ReasonOther
}
