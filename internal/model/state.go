package model

// MarketState is the lifecycle state of a market. The trade engine only
// reads it; transitions are made by market administration.
type MarketState string

const (
	StateDraft       MarketState = "DRAFT"
	StateActive      MarketState = "ACTIVE"
	StateFrozen      MarketState = "FROZEN"
	StateResolvedYes MarketState = "RESOLVED_YES"
	StateResolvedNo  MarketState = "RESOLVED_NO"
	StateCanceled    MarketState = "CANCELED"
)

var transitions = map[MarketState][]MarketState{
	StateDraft:  {StateActive},
	StateActive: {StateFrozen, StateResolvedYes, StateResolvedNo, StateCanceled},
}

// Valid reports whether s is a known state.
func (s MarketState) Valid() bool {
	switch s {
	case StateDraft, StateActive, StateFrozen, StateResolvedYes, StateResolvedNo, StateCanceled:
		return true
	}
	return false
}

// Tradable reports whether quotes and trades are allowed in state s.
func (s MarketState) Tradable() bool {
	return s == StateActive
}

// CanTransition reports whether an administrator may move a market from s
// to next.
func (s MarketState) CanTransition(next MarketState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
