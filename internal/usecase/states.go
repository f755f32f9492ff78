package usecase

import "fmt"

// turnState is one node of the turn state machine. The graph is fixed at
// compile time and validated once at service construction; transitions
// never depend on anything except the predecessor's outcome.
type turnState string

const (
	stateResolveSession      turnState = "ResolveSession"
	statePersistInbound      turnState = "PersistInboundMessage"
	stateAnalyzeTopic        turnState = "AnalyzeTopic"
	stateEvaluateSufficiency turnState = "EvaluateSufficiency"
	stateRetrieveKnowledge   turnState = "RetrieveKnowledge"
	stateClassifyStrategy    turnState = "ClassifyStrategy"
	stateGenerateResponse    turnState = "GenerateResponse"
	stateDispatch            turnState = "Dispatch"
	statePersistOutbound     turnState = "PersistOutboundMessage"
	stateTouchSession        turnState = "TouchSession"
	stateDone                turnState = "Done"
)

// transitions is the unconditional successor of each state. The single
// conditional edge in the graph is EvaluateSufficiency: a sufficient
// context skips RetrieveKnowledge and goes straight to ClassifyStrategy.
// That branch is taken in nextState, not encoded here, so the table stays
// a plain map.
var transitions = map[turnState]turnState{
	stateResolveSession:      statePersistInbound,
	statePersistInbound:      stateAnalyzeTopic,
	stateAnalyzeTopic:        stateEvaluateSufficiency,
	stateEvaluateSufficiency: stateRetrieveKnowledge,
	stateRetrieveKnowledge:   stateClassifyStrategy,
	stateClassifyStrategy:    stateGenerateResponse,
	stateGenerateResponse:    stateDispatch,
	stateDispatch:            statePersistOutbound,
	statePersistOutbound:     stateTouchSession,
	stateTouchSession:        stateDone,
}

// nextState resolves the successor of st for the given turn context.
func nextState(st turnState, tc *turnContext) turnState {
	if st == stateEvaluateSufficiency && tc.sufficient {
		return stateClassifyStrategy
	}
	return transitions[st]
}

// validateTransitions walks the graph from ResolveSession along both the
// sufficient and insufficient paths and confirms each reaches Done within
// the number of defined states. Called from NewTurnService so a malformed
// table fails at startup rather than mid-turn.
func validateTransitions() error {
	for _, sufficient := range []bool{true, false} {
		tc := &turnContext{sufficient: sufficient}
		st := stateResolveSession
		for i := 0; st != stateDone; i++ {
			if i > len(transitions) {
				return fmt.Errorf("usecase: transition table does not terminate from %s", st)
			}
			next := nextState(st, tc)
			if next == "" {
				return fmt.Errorf("usecase: state %s has no successor", st)
			}
			st = next
		}
	}
	return nil
}
