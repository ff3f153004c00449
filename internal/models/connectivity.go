package models

import "time"

// Cause records what produced the current connectivity belief.
type Cause string

const (
	// CauseNativeSignal is the optimistic startup belief, taken from the
	// platform before any probe has completed.
	CauseNativeSignal Cause = "native-signal"
	// CauseProbeConfirmed is a belief set by a completed health probe.
	CauseProbeConfirmed Cause = "probe-confirmed"
)

// ConnectionState is the monitor's current belief about backend reachability.
type ConnectionState struct {
	Online    bool      `json:"online"`
	Cause     Cause     `json:"cause"`
	ChangedAt time.Time `json:"changed_at"`
	LastProbe time.Time `json:"last_probe,omitempty"`
}

// ConnectivityChange is delivered to subscribers on every state transition.
type ConnectivityChange struct {
	IsOnline  bool      `json:"isOnline"`
	WasOnline bool      `json:"wasOnline"`
	Cause     Cause     `json:"cause"`
	At        time.Time `json:"at"`
}

// CameOnline reports an offline to online transition.
func (c ConnectivityChange) CameOnline() bool {
	return c.IsOnline && !c.WasOnline
}

// WentOffline reports an online to offline transition.
func (c ConnectivityChange) WentOffline() bool {
	return !c.IsOnline && c.WasOnline
}
