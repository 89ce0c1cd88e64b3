package fleetagent

// AllocationState tracks whether a device can be handed out for testing.
type AllocationState string

const (
	StateAvailable            AllocationState = "Available"
	StateAllocated            AllocationState = "Allocated"
	StateCheckingAvailability AllocationState = "Checking_Availability"
	StateUnavailable          AllocationState = "Unavailable"
)

// AllocationEvent is the only legal input to an allocation state transition.
type AllocationEvent string

const (
	EventForceAvailable        AllocationEvent = "FORCE_AVAILABLE"
	EventForceAllocateRequest  AllocationEvent = "FORCE_ALLOCATE_REQUEST"
	EventAvailableCheckPassed  AllocationEvent = "AVAILABLE_CHECK_PASSED"
	EventAvailableCheckFailed  AllocationEvent = "AVAILABLE_CHECK_FAILED"
	EventAvailableCheckIgnored AllocationEvent = "AVAILABLE_CHECK_IGNORED"
	EventConnectedOnline       AllocationEvent = "CONNECTED_ONLINE"
	EventStateChangeOnline     AllocationEvent = "STATE_CHANGE_ONLINE"
	EventDisconnected          AllocationEvent = "DISCONNECTED"
	EventFreeAvailable         AllocationEvent = "FREE_AVAILABLE"
	EventFreeUnavailable       AllocationEvent = "FREE_UNAVAILABLE"
	EventFreeUnresponsive      AllocationEvent = "FREE_UNRESPONSIVE"
	EventFreeUnknown           AllocationEvent = "FREE_UNKNOWN"
)

// EventResponse reports the outcome of applying an event to a record.
// Changed=false with an unchanged State is a valid outcome (e.g. FreeUnknown);
// callers must tolerate it rather than treat it as an error.
type EventResponse struct {
	Changed bool
	State   AllocationState
}

// transition applies event to state and reports whether the state changed.
// Every side effect in this package (logging, recorder updates, responsiveness
// checks) keys off the Changed flag instead of re-deriving state, so the table
// below is the single source of truth for allocation behavior.
func transition(state AllocationState, event AllocationEvent) (AllocationState, bool) {
	if event == EventDisconnected {
		return StateUnavailable, state != StateUnavailable
	}
	switch state {
	case StateUnavailable:
		switch event {
		case EventForceAvailable:
			return StateAvailable, true
		case EventConnectedOnline, EventStateChangeOnline:
			return StateCheckingAvailability, true
		}
	case StateAvailable:
		if event == EventForceAllocateRequest {
			return StateAllocated, true
		}
	case StateCheckingAvailability:
		switch event {
		case EventAvailableCheckPassed:
			return StateAvailable, true
		case EventAvailableCheckFailed, EventAvailableCheckIgnored:
			return StateUnavailable, true
		}
	case StateAllocated:
		switch event {
		case EventFreeAvailable:
			return StateAvailable, true
		case EventFreeUnavailable, EventFreeUnresponsive:
			return StateUnavailable, true
		case EventFreeUnknown:
			// deliberate no-op: the free is acknowledged but the state is kept
			return state, false
		}
	}
	return state, false
}
