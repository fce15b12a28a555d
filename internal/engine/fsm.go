package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"fleetinspect/internal/domain"
)

// Screen transition events.
const (
	EventSelectVehicle    = "select_vehicle"
	EventSubmitDriver     = "submit_driver"
	EventOpenObservations = "open_observations"
	EventOpenCamera       = "open_camera"
	EventReturn           = "return"
	EventFinishItems      = "finish_items"
	EventBackToItems      = "back_to_items"
	EventSign             = "sign"
	EventAmend            = "amend"
	EventComplete         = "complete"
	EventReset            = "reset"
)

var allScreens = []string{
	string(domain.ScreenVehicleSelection),
	string(domain.ScreenDriverInfo),
	string(domain.ScreenItemCapture),
	string(domain.ScreenObservations),
	string(domain.ScreenPhotoCapture),
	string(domain.ScreenSignature),
	string(domain.ScreenSummary),
	string(domain.ScreenCompleted),
}

func validScreen(s domain.Screen) bool {
	for _, v := range allScreens {
		if v == string(s) {
			return true
		}
	}
	return false
}

func screenEvents() fsm.Events {
	s := func(v domain.Screen) string { return string(v) }
	return fsm.Events{
		{Name: EventSelectVehicle, Src: []string{s(domain.ScreenVehicleSelection)}, Dst: s(domain.ScreenDriverInfo)},
		{Name: EventSubmitDriver, Src: []string{s(domain.ScreenDriverInfo)}, Dst: s(domain.ScreenItemCapture)},
		{Name: EventOpenObservations, Src: []string{s(domain.ScreenItemCapture)}, Dst: s(domain.ScreenObservations)},
		{Name: EventOpenCamera, Src: []string{s(domain.ScreenItemCapture), s(domain.ScreenObservations)}, Dst: s(domain.ScreenPhotoCapture)},
		{Name: EventReturn, Src: []string{s(domain.ScreenObservations), s(domain.ScreenPhotoCapture)}, Dst: s(domain.ScreenItemCapture)},
		{Name: EventFinishItems, Src: []string{s(domain.ScreenItemCapture)}, Dst: s(domain.ScreenSignature)},
		{Name: EventBackToItems, Src: []string{s(domain.ScreenSignature)}, Dst: s(domain.ScreenItemCapture)},
		{Name: EventSign, Src: []string{s(domain.ScreenSignature)}, Dst: s(domain.ScreenSummary)},
		{Name: EventAmend, Src: []string{s(domain.ScreenSummary)}, Dst: s(domain.ScreenSignature)},
		{Name: EventComplete, Src: []string{s(domain.ScreenSummary)}, Dst: s(domain.ScreenCompleted)},
		{Name: EventReset, Src: allScreens, Dst: s(domain.ScreenVehicleSelection)},
	}
}

// machine is the screen dispatcher. onEnter runs after every state change
// and must not call back into the machine.
type machine struct {
	f *fsm.FSM
}

func newMachine(initial domain.Screen, onEnter func(ctx context.Context, from, to domain.Screen)) *machine {
	return &machine{f: fsm.NewFSM(string(initial), screenEvents(), fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			if onEnter != nil {
				onEnter(ctx, domain.Screen(e.Src), domain.Screen(e.Dst))
			}
		},
	})}
}

func (m *machine) current() domain.Screen { return domain.Screen(m.f.Current()) }

func (m *machine) can(event string) bool { return m.f.Can(event) }

func (m *machine) set(s domain.Screen) { m.f.SetState(string(s)) }

// fire runs event. A self-transition is not an error.
func (m *machine) fire(ctx context.Context, event string) error {
	err := m.f.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) && noTransition.Err == nil {
		return nil
	}
	var invalidEvent fsm.InvalidEventError
	var unknownEvent fsm.UnknownEventError
	if errors.As(err, &invalidEvent) || errors.As(err, &unknownEvent) {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, m.current())
	}
	return err
}

// require fails with ErrInvalidTransition unless event can fire now.
func (m *machine) require(event string) error {
	if m.can(event) {
		return nil
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, m.current())
}
