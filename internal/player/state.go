// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package player

// State is the agent's playback mode. Exactly one state is current.
type State string

const (
	StateBoot                State = "boot"
	StateNeedPairing         State = "need-pairing"
	StatePairingRequested    State = "pairing-requested"
	StateWaitingConfirmation State = "waiting-confirmation"
	StateCertIssued          State = "cert-issued"
	StatePlaybackRunning     State = "playback-running"
	StateOfflineFallback     State = "offline-fallback"
	StateEmpty               State = "empty"
	StateEmergency           State = "emergency"
	StateError               State = "error"
)

// AllStates lists every state for metric pre-registration.
var AllStates = []State{
	StateBoot, StateNeedPairing, StatePairingRequested, StateWaitingConfirmation,
	StateCertIssued, StatePlaybackRunning, StateOfflineFallback, StateEmpty,
	StateEmergency, StateError,
}

// stateNames feeds the state gauge family, which wants plain strings.
var stateNames = func() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}()

// transitions holds the legal edges of the state machine. Error is
// reachable from every non-boot state and omitted here.
var transitions = map[State][]State{
	StateBoot:                {StateNeedPairing, StateCertIssued},
	StateNeedPairing:         {StatePairingRequested},
	StatePairingRequested:    {StateWaitingConfirmation, StateNeedPairing},
	StateWaitingConfirmation: {StateCertIssued, StateNeedPairing},
	StateCertIssued:          {StatePlaybackRunning, StateEmpty, StateEmergency},
	StatePlaybackRunning:     {StateOfflineFallback, StateEmpty, StateEmergency},
	StateOfflineFallback:     {StatePlaybackRunning, StateEmpty, StateEmergency},
	StateEmpty:               {StatePlaybackRunning, StateOfflineFallback, StateEmergency},
	StateEmergency:           {StatePlaybackRunning, StateOfflineFallback, StateEmpty},
	StateError:               {StateBoot},
}

// canTransition reports whether from→to is a legal edge.
func canTransition(from, to State) bool {
	if to == StateError {
		return from != StateError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
