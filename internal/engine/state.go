package engine

import "time"

// State is the engine's position in a sync cycle.
type State int

const (
	StateIdle State = iota
	StatePulling
	StatePushing
	// StateRetrying: a phase hit a transient error and is waiting to retry.
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StatePushing:
		return "pushing"
	case StateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reason says why a cycle was started.
type Reason string

const (
	ReasonStartup      Reason = "startup"
	ReasonPeriodic     Reason = "periodic"
	ReasonManual       Reason = "manual"
	ReasonConnectivity Reason = "connectivity"
	ReasonForeground   Reason = "foreground"
	ReasonLocalWrite   Reason = "local_write"
	ReasonStaleRead    Reason = "stale_read"
	ReasonRemoteChange Reason = "remote_change"
	ReasonRetryTimer   Reason = "retry_timer"
)

// CycleStats summarises one sync cycle.
type CycleStats struct {
	ID        string        `json:"id"`
	Reason    Reason        `json:"reason"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Pull
	Fetched      int `json:"fetched"`
	Applied      int `json:"applied"`
	Deferred     int `json:"deferred"`
	Stale        int `json:"stale"`
	Removed      int `json:"removed"`
	DecodeErrors int `json:"decode_errors"`

	// Push
	Pushed    int `json:"pushed"`
	Coalesced int `json:"coalesced"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	// Waiting counts entities whose next attempt is still in the future.
	Waiting int `json:"waiting"`
}

// Status is a snapshot of the engine.
type Status struct {
	State     State       `json:"state"`
	Online    bool        `json:"online"`
	LastCycle *CycleStats `json:"last_cycle,omitempty"`
	LastError string      `json:"last_error,omitempty"`
}
