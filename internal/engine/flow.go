package engine

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetinspect/internal/cache"
	"fleetinspect/internal/config"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/events"
	"fleetinspect/internal/metrics"
	"fleetinspect/internal/remote"
)

const dateLayout = "2006-01-02"

// SelectVehicle opens a draft inspection on the backend. The call is
// blocking: a session cannot exist without a server id.
func (e *Engine) SelectVehicle(ctx context.Context, vehicleID, driverID int64) (*domain.Session, error) {
	if vehicleID <= 0 {
		return nil, invalid("vehicle", "a vehicle must be selected")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil && e.machine.current() == domain.ScreenCompleted {
		if err := e.resetLocked(ctx); err != nil {
			return nil, err
		}
	}
	if e.sess != nil || e.creating {
		return nil, ErrSessionInProgress
	}
	if err := e.machine.require(EventSelectVehicle); err != nil {
		return nil, err
	}
	e.generation++
	f := e.fenceLocked()
	e.creating = true
	key := uuid.NewString()
	var id int64
	err := e.unlocked(func() error {
		var err error
		id, err = e.Fleet.CreateFromVehicle(ctx, vehicleID, driverID, key)
		return err
	})
	e.creating = false
	if serr := e.checkLocked(f); serr != nil {
		if err == nil {
			e.Log.Warn("dropping late inspection create", "inspection", id, "vehicle", vehicleID)
		}
		return nil, serr
	}
	if err != nil {
		return nil, classify(err)
	}

	vehicle, ok := e.findVehicle(ctx, vehicleID)
	if !ok {
		vehicle = domain.Vehicle{ID: vehicleID}
	}
	now := e.now().UTC()
	e.sess = &domain.Session{
		InspectionID: &id,
		Vehicle:      vehicle,
		Driver:       domain.DriverInfo{DriverID: driverID, Odometer: vehicle.Odometer},
		Items:        []domain.Item{},
		Screen:       e.machine.current(),
		StartedAt:    now,
	}
	if err := e.machine.fire(ctx, EventSelectVehicle); err != nil {
		e.sess = nil
		return nil, err
	}
	e.snapshotLocked(ctx)
	e.journal(ctx, "session.started", "inspection", strconv.FormatInt(id, 10), events.EventPayload{"vehicle_id": vehicleID})
	metrics.SessionsTotal.WithLabelValues("started").Inc()
	e.Log.Info("inspection started", "inspection", id, "vehicle", vehicleID)
	return e.sess.Clone(), nil
}

func normalizeDriver(d domain.DriverInfo) domain.DriverInfo {
	d.LicenseNumber = strings.TrimSpace(d.LicenseNumber)
	d.LicenseType = strings.TrimSpace(d.LicenseType)
	d.LicenseExpiry = strings.TrimSpace(d.LicenseExpiry)
	d.CourseExpiry = strings.TrimSpace(d.CourseExpiry)
	d.CourseDuration = strings.TrimSpace(d.CourseDuration)
	d.InsurancePolicy = strings.TrimSpace(d.InsurancePolicy)
	d.InsuranceExpiry = strings.TrimSpace(d.InsuranceExpiry)
	return d
}

func validateDriver(d domain.DriverInfo, p config.Policy) error {
	if d.LicenseNumber == "" {
		return invalid("license_number", "is required")
	}
	if d.LicenseType == "" {
		return invalid("license_type", "is required")
	}
	for _, f := range []struct{ name, value string }{
		{"license_expiry", d.LicenseExpiry},
		{"course_expiry", d.CourseExpiry},
		{"insurance_expiry", d.InsuranceExpiry},
	} {
		if f.value == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, f.value); err != nil {
			return invalid(f.name, "must be a date (YYYY-MM-DD)")
		}
	}
	if d.Odometer < 0 {
		return invalid("odometer", "cannot be negative")
	}
	if p.RequireOdometer && d.Odometer <= 0 {
		return invalid("odometer", "is required")
	}
	return nil
}

func orFalse(s string) any {
	if s == "" {
		return false
	}
	return s
}

func driverValues(d domain.DriverInfo) map[string]any {
	v := map[string]any{
		"license_number":   d.LicenseNumber,
		"license_type":     d.LicenseType,
		"license_expiry":   orFalse(d.LicenseExpiry),
		"defensive_course": d.DefensiveCourse,
		"course_expiry":    orFalse(d.CourseExpiry),
		"course_duration":  orFalse(d.CourseDuration),
		"insurance_policy": orFalse(d.InsurancePolicy),
		"insurance_expiry": orFalse(d.InsuranceExpiry),
	}
	if d.Odometer > 0 {
		v["odometer"] = d.Odometer
	}
	return v
}

// SubmitDriverInfo records the driver's documents and loads the checklist
// from the active template.
func (e *Engine) SubmitDriverInfo(ctx context.Context, info domain.DriverInfo) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNoSession
	}
	if err := e.machine.require(EventSubmitDriver); err != nil {
		return nil, err
	}
	info = normalizeDriver(info)
	if err := validateDriver(info, e.policy); err != nil {
		return nil, err
	}
	if info.DriverID == 0 {
		info.DriverID = e.sess.Driver.DriverID
	}
	id := e.inspectionID()
	err := e.enqueueLocked(ctx, domain.PendingMutation{
		Op:       domain.OpWrite,
		Entity:   remote.ModelInspection,
		TargetID: id,
		Payload:  driverValues(info),
	})
	if err != nil {
		return nil, err
	}
	e.sess.Driver = info
	e.snapshotLocked(ctx)

	f := e.fenceLocked()
	var items []domain.Item
	var templateID int64
	err = e.unlocked(func() error {
		if _, err := e.Queue.Flush(ctx); err != nil {
			return err
		}
		if err := e.Fleet.InitializeInspection(ctx, id); err != nil {
			if remote.IsDomain(err) {
				return &NoTemplateError{Message: remote.DomainMessage(err)}
			}
			return err
		}
		var err error
		items, templateID, err = e.loadChecklist(ctx, id)
		return err
	})
	if serr := e.checkLocked(f); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, classify(err)
	}
	e.sess.Items = items
	e.sess.TemplateID = templateID
	e.sess.Index = 0
	e.photoGate = -1
	if err := e.machine.fire(ctx, EventSubmitDriver); err != nil {
		return nil, err
	}
	e.snapshotLocked(ctx)
	e.journal(ctx, "driver.submitted", "inspection", strconv.FormatInt(id, 10), events.EventPayload{
		"items":       len(items),
		"template_id": templateID,
	})
	return e.sess.Clone(), nil
}

// loadChecklist reads the inspection lines and merges their template item
// settings. The template is cached as template_<id>.
func (e *Engine) loadChecklist(ctx context.Context, inspectionID int64) ([]domain.Item, int64, error) {
	items, err := e.Fleet.InspectionLines(ctx, inspectionID)
	if err != nil {
		return nil, 0, err
	}
	if len(items) == 0 {
		return nil, 0, &NoTemplateError{Message: "the inspection has no checklist lines"}
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, it := range items {
		if it.TemplateItemID > 0 && !seen[it.TemplateItemID] {
			seen[it.TemplateItemID] = true
			ids = append(ids, it.TemplateItemID)
		}
	}
	tplItems, err := e.Fleet.TemplateItems(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[int64]domain.TemplateItem, len(tplItems))
	for _, ti := range tplItems {
		byID[ti.ID] = ti
	}
	for i := range items {
		ti, ok := byID[items[i].TemplateItemID]
		if !ok {
			items[i].PhotoRequiredOnBad = true
			items[i].PhotoAllowedOnRegular = true
			continue
		}
		items[i].PhotoRequiredOnBad = ti.PhotoRequiredOnBad
		items[i].PhotoAllowedOnRegular = ti.PhotoAllowedOnRegular
		if items[i].Section == "" {
			items[i].Section = ti.Section
		}
	}
	templateID, err := e.Fleet.InspectionTemplate(ctx, inspectionID)
	if err != nil {
		return nil, 0, err
	}
	if templateID > 0 {
		sort.SliceStable(tplItems, func(i, j int) bool {
			a, b := tplItems[i], tplItems[j]
			if a.SectionSequence != b.SectionSequence {
				return a.SectionSequence < b.SectionSequence
			}
			return a.Sequence < b.Sequence
		})
		tpl := domain.Template{ID: templateID, Items: tplItems}
		if err := e.Store.Set(ctx, cache.TemplateKey(templateID), tpl, 0); err != nil {
			e.Log.Warn("cache template", "template", templateID, "error", err.Error())
		}
	}
	return items, templateID, nil
}
