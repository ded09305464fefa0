package models

import "fmt"

// allowedHoldTransitions enumerates the hold state machine. Terminal states
// are sinks.
var allowedHoldTransitions = map[HoldStatus][]HoldStatus{
	HoldActive: {HoldCaptured, HoldReleased, HoldExpired},
}

// ValidateHoldTransition reports whether a hold may move from current to
// next. Self transitions are rejected; holds never re-enter a state.
func ValidateHoldTransition(current, next HoldStatus) error {
	allowed, ok := allowedHoldTransitions[current]
	if !ok {
		return fmt.Errorf("hold status %s is terminal", current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("hold transition from %s to %s is not permitted", current, next)
}

// allowedDecisionTransitions enumerates the decision amendments: challenge
// completion and reversal are the only mutations.
var allowedDecisionTransitions = map[DecisionType][]DecisionType{
	DecisionChallenge: {DecisionApproved, DecisionDeclined},
	DecisionApproved:  {DecisionDeclined},
	DecisionPartial:   {DecisionDeclined},
}

// ValidateDecisionTransition reports whether a persisted decision may be
// amended from current to next.
func ValidateDecisionTransition(current, next DecisionType) error {
	allowed, ok := allowedDecisionTransitions[current]
	if !ok {
		return fmt.Errorf("decision %s cannot be amended", current)
	}
	for _, decision := range allowed {
		if decision == next {
			return nil
		}
	}
	return fmt.Errorf("decision transition from %s to %s is not permitted", current, next)
}
