package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMarketState_Transitions(t *testing.T) {
	tests := []struct {
		from, to MarketState
		want     bool
	}{
		{StateDraft, StateActive, true},
		{StateDraft, StateFrozen, false},
		{StateActive, StateFrozen, true},
		{StateActive, StateResolvedYes, true},
		{StateActive, StateResolvedNo, true},
		{StateActive, StateCanceled, true},
		{StateActive, StateDraft, false},
		{StateFrozen, StateActive, false},
		{StateResolvedYes, StateResolvedNo, false},
		{StateCanceled, StateActive, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMarketState_OnlyActiveTradable(t *testing.T) {
	for _, s := range []MarketState{StateDraft, StateActive, StateFrozen, StateResolvedYes, StateResolvedNo, StateCanceled} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
		if got := s.Tradable(); got != (s == StateActive) {
			t.Errorf("%s tradable = %v", s, got)
		}
	}
	if MarketState("OPEN").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestLedgerBalanced(t *testing.T) {
	amt := decimal.RequireFromString
	balanced := []LedgerEntry{
		{Account: AccountUser, Amount: amt("2.83"), IsCredit: false},
		{Account: AccountCollateral, Amount: amt("2.8"), IsCredit: true},
		{Account: AccountProtocolFee, Amount: amt("0.03"), IsCredit: true},
	}
	if !LedgerBalanced(balanced) {
		t.Error("expected balanced ledger")
	}
	balanced[2].Amount = amt("0.031")
	if LedgerBalanced(balanced) {
		t.Error("expected unbalanced ledger")
	}
}

func TestPositionAdd(t *testing.T) {
	p := NewPosition("u", "m")
	p = p.Add(SideYes, decimal.NewFromInt(2)).Add(SideNo, decimal.NewFromInt(3)).Add(SideYes, decimal.NewFromInt(1))
	if !p.YesShares.Equal(decimal.NewFromInt(3)) || !p.NoShares.Equal(decimal.NewFromInt(3)) {
		t.Errorf("position = %+v", p)
	}
}
