package authn

import (
	"errors"
	"maps"
	"slices"
)

// ErrPolicyMisuse marks out-of-order calls into the engine, such as running
// a Coordinator twice. Such calls are logged and ignored.
var ErrPolicyMisuse = errors.New("authentication engine misuse")

// State is the lifecycle state of a Coordinator.
type State int

// Coordinator states. StateComplete and StateRejected are terminal.
const (
	StateInit State = iota
	StateProcessing
	StateComplete
	StateRejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateProcessing:
		return "processing"
	case StateComplete:
		return "complete"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateRejected
}

// Origin is the verified end-user identity.
type Origin struct {
	User      string
	Presenter string
	Audiences []string
	Claims    map[string]any
	RawClaims string
}

// Result is the identity accumulated while authenticating one request.
type Result struct {
	// PeerUser is empty when no peer identity was established.
	PeerUser string

	// Origin is nil when no origin identity was established.
	Origin *Origin

	// Principal is derived from the selected rule's binding.
	Principal string
}

// HasPeer reports whether a peer identity was established.
func (r Result) HasPeer() bool {
	return r.PeerUser != ""
}

// clone returns a copy that shares nothing mutable with r.
func (r Result) clone() Result {
	if r.Origin != nil {
		o := *r.Origin
		o.Audiences = slices.Clone(o.Audiences)
		o.Claims = maps.Clone(o.Claims)
		r.Origin = &o
	}
	return r
}
