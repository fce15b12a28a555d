package cache

import (
	"strconv"
	"strings"
	"time"
)

// Key names one slot of the persisted key space.
type Key string

const (
	KeyInspection     Key = "inspection_data"
	KeyPending        Key = "pending_changes"
	KeyRejected       Key = "rejected_changes"
	KeyVehicles       Key = "vehicles"
	KeyRecentVehicles Key = "recent_vehicles"
	KeySettings       Key = "app_settings"

	templatePrefix = "template_"
	photoPrefix    = "photo_"
)

func TemplateKey(id int64) Key { return Key(templatePrefix + strconv.FormatInt(id, 10)) }

func PhotoKey(localID string) Key { return Key(photoPrefix + localID) }

// IsPhoto reports whether k holds a locally captured photo.
func (k Key) IsPhoto() bool { return strings.HasPrefix(string(k), photoPrefix) }

// IsTemplate reports whether k holds a cached checklist template.
func (k Key) IsTemplate() bool { return strings.HasPrefix(string(k), templatePrefix) }

// DefaultTTL is the lifetime used when neither the caller nor the config names one.
const DefaultTTL = 24 * time.Hour

var builtinTTL = map[Key]time.Duration{
	KeyPending:        168 * time.Hour,
	KeyRejected:       168 * time.Hour,
	KeyInspection:     48 * time.Hour,
	KeyVehicles:       12 * time.Hour,
	KeyRecentVehicles: 12 * time.Hour,
	KeySettings:       8760 * time.Hour,
}

func builtinTTLFor(k Key) time.Duration {
	if ttl, ok := builtinTTL[k]; ok {
		return ttl
	}
	switch {
	case k.IsPhoto():
		return 72 * time.Hour
	case k.IsTemplate():
		return 168 * time.Hour
	}
	return DefaultTTL
}
