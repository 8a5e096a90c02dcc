package epic

import (
	"errors"
	"slices"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    ConnectionStatus
		event   Event
		want    ConnectionStatus
		effects []SideEffect
	}{
		{StatusDisconnected, EventTokenStored, StatusConnected, []SideEffect{EffectStampConnected, EffectClearError, EffectAuditConnected}},
		{StatusError, EventTokenStored, StatusConnected, []SideEffect{EffectStampConnected, EffectClearError, EffectAuditConnected}},
		{StatusTokenExpired, EventTokenStored, StatusConnected, []SideEffect{EffectStampConnected, EffectClearError, EffectAuditConnected}},
		{StatusConnected, EventTokenExpired, StatusTokenExpired, []SideEffect{EffectAuditExpired}},
		{StatusConnected, EventUnauthorized, StatusTokenExpired, []SideEffect{EffectAuditExpired}},
		{StatusTokenExpired, EventTokenExpired, StatusTokenExpired, nil},
		{StatusConnected, EventRefreshFailed, StatusError, []SideEffect{EffectRecordError}},
		{StatusTokenExpired, EventRefreshFailed, StatusError, []SideEffect{EffectRecordError}},
		{StatusConnected, EventDisconnect, StatusDisconnected, []SideEffect{EffectWipeTokens, EffectAuditDisconn}},
		{StatusDisconnected, EventDisconnect, StatusDisconnected, []SideEffect{EffectWipeTokens, EffectAuditDisconn}},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, effects, err := Transition(tt.from, tt.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if !slices.Equal(effects, tt.effects) {
				t.Errorf("expected effects %v, got %v", tt.effects, effects)
			}
		})
	}
}

func TestTransition_Illegal(t *testing.T) {
	tests := []struct {
		from  ConnectionStatus
		event Event
	}{
		{StatusDisconnected, EventTokenExpired},
		{StatusDisconnected, EventUnauthorized},
		{StatusDisconnected, EventRefreshFailed},
		{ConnectionStatus("bogus"), EventDisconnect},
		{StatusConnected, Event("bogus")},
	}
	for _, tt := range tests {
		got, effects, err := Transition(tt.from, tt.event)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s on %s: expected ErrIllegalTransition, got %v", tt.event, tt.from, err)
		}
		if got != tt.from || effects != nil {
			t.Errorf("%s on %s: illegal transition must not change state", tt.event, tt.from)
		}
	}
}
