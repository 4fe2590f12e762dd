package negotiation

import "fmt"

// State is the session's position in the pairing handshake.
type State int

const (
	StateIdle State = iota
	// StateAwaitingEngineConfig: the relay reported both peers present and
	// the ICE configuration is being fetched.
	StateAwaitingEngineConfig
	StateEngineReady
	// StateLeaderOfferPending: the engine is up and this side leads; the
	// offer goes out once the peer announces trickle readiness.
	StateLeaderOfferPending
	StateFollowerWaiting
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingEngineConfig:
		return "awaiting_engine_config"
	case StateEngineReady:
		return "engine_ready"
	case StateLeaderOfferPending:
		return "leader_offer_pending"
	case StateFollowerWaiting:
		return "follower_waiting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Failed or Closed.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
