package epic

import "fmt"

// Event drives connection status transitions.
type Event string

const (
	EventTokenStored   Event = "token_stored"
	EventTokenExpired  Event = "token_expired"
	EventUnauthorized  Event = "unauthorized"
	EventRefreshFailed Event = "refresh_failed"
	EventDisconnect    Event = "disconnect"
)

// SideEffect is work the caller performs after a transition.
type SideEffect string

const (
	EffectStampConnected SideEffect = "stamp_connected"
	EffectClearError     SideEffect = "clear_error"
	EffectRecordError    SideEffect = "record_error"
	EffectWipeTokens     SideEffect = "wipe_tokens"
	EffectAuditConnected SideEffect = "audit_connected"
	EffectAuditExpired   SideEffect = "audit_token_expired"
	EffectAuditDisconn   SideEffect = "audit_disconnected"
)

type transitionKey struct {
	from  ConnectionStatus
	event Event
}

type transition struct {
	to      ConnectionStatus
	effects []SideEffect
}

var connected = transition{StatusConnected, []SideEffect{EffectStampConnected, EffectClearError, EffectAuditConnected}}
var expired = transition{StatusTokenExpired, []SideEffect{EffectAuditExpired}}
var failed = transition{StatusError, []SideEffect{EffectRecordError}}

var transitions = map[transitionKey]transition{
	{StatusDisconnected, EventTokenStored}: connected,
	{StatusConnected, EventTokenStored}:    connected,
	{StatusTokenExpired, EventTokenStored}: connected,
	{StatusError, EventTokenStored}:        connected,

	{StatusConnected, EventTokenExpired}:    expired,
	{StatusConnected, EventUnauthorized}:    expired,
	{StatusError, EventTokenExpired}:        expired,
	{StatusError, EventUnauthorized}:        expired,
	{StatusTokenExpired, EventTokenExpired}: {StatusTokenExpired, nil},
	{StatusTokenExpired, EventUnauthorized}: {StatusTokenExpired, nil},

	{StatusConnected, EventRefreshFailed}:    failed,
	{StatusTokenExpired, EventRefreshFailed}: failed,
	{StatusError, EventRefreshFailed}:        failed,
}

// Transition returns the status that follows current on event, plus the
// side effects the caller must apply. Disconnect is legal from any state.
func Transition(current ConnectionStatus, event Event) (ConnectionStatus, []SideEffect, error) {
	if event == EventDisconnect {
		switch current {
		case StatusDisconnected, StatusConnected, StatusError, StatusTokenExpired:
			return StatusDisconnected, []SideEffect{EffectWipeTokens, EffectAuditDisconn}, nil
		}
	}
	t, ok := transitions[transitionKey{current, event}]
	if !ok {
		return current, nil, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, current, event)
	}
	return t.to, t.effects, nil
}
