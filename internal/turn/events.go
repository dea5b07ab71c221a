package turn

import "time"

// EventType enumerates the closed set of events a Manager emits.
type EventType int

const (
	// EventSpeechActive fires when the user crosses into voice activity.
	EventSpeechActive EventType = iota

	// EventSpeechInactive fires when voice activity ends (before the
	// silence hang window has elapsed).
	EventSpeechInactive

	// EventBargeIn fires when the user starts speaking over active
	// playback with ducking enabled. Emission is bound by the 50ms
	// barge-in budget.
	EventBargeIn

	// EventTurnFinal fires exactly once per turn, after the silence hang
	// window elapses or a text turn is pushed.
	EventTurnFinal

	// EventFailure fires on a session-fatal error.
	EventFailure
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSpeechActive:
		return "speech-active"
	case EventSpeechInactive:
		return "speech-inactive"
	case EventBargeIn:
		return "barge-in"
	case EventTurnFinal:
		return "turn-final"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is one turn-state notification.
type Event struct {
	Type EventType

	// Turn is the turn sequence number the event belongs to.
	Turn uint64

	// Text carries the pushed text for synthetic turns.
	Text string

	// Synthetic marks a turn finalised via PushText rather than audio.
	Synthetic bool

	// Err carries the cause for EventFailure.
	Err error

	// At is the emission instant on the manager's clock.
	At time.Time
}

// Handler receives events synchronously on the emitting goroutine. Handlers
// must return quickly and must not call back into the Manager.
type Handler func(Event)

// dispatcher is a closed-set typed event fan-out. Not safe for concurrent
// mutation; the Manager guards it with its own mutex.
type dispatcher struct {
	nextID   int
	handlers map[EventType]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[EventType]map[int]Handler)}
}

// subscribe registers h for typ and returns an unsubscribe func.
func (d *dispatcher) subscribe(typ EventType, h Handler) func() {
	d.nextID++
	id := d.nextID
	m := d.handlers[typ]
	if m == nil {
		m = make(map[int]Handler)
		d.handlers[typ] = m
	}
	m[id] = h
	return func() { delete(d.handlers[typ], id) }
}

// dispatch invokes every handler registered for evt.Type.
func (d *dispatcher) dispatch(evt Event) {
	for _, h := range d.handlers[evt.Type] {
		h(evt)
	}
}
