package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTransitions(t *testing.T) {
	require.NoError(t, validateTransitions())
}

func TestNextState_SufficientSkipsRetrieval(t *testing.T) {
	tc := &turnContext{sufficient: true}
	require.Equal(t, stateClassifyStrategy, nextState(stateEvaluateSufficiency, tc))

	tc.sufficient = false
	require.Equal(t, stateRetrieveKnowledge, nextState(stateEvaluateSufficiency, tc))
}

func TestTransitions_BothPathsVisitEveryMandatoryState(t *testing.T) {
	walk := func(sufficient bool) []turnState {
		tc := &turnContext{sufficient: sufficient}
		var visited []turnState
		for st := stateResolveSession; st != stateDone; st = nextState(st, tc) {
			visited = append(visited, st)
		}
		return visited
	}

	insufficient := walk(false)
	require.Len(t, insufficient, 10)
	require.Contains(t, insufficient, stateRetrieveKnowledge)

	sufficient := walk(true)
	require.Len(t, sufficient, 9)
	require.NotContains(t, sufficient, stateRetrieveKnowledge)
	for _, st := range []turnState{
		stateResolveSession, statePersistInbound, stateAnalyzeTopic,
		stateEvaluateSufficiency, stateClassifyStrategy, stateGenerateResponse,
		stateDispatch, statePersistOutbound, stateTouchSession,
	} {
		require.Contains(t, sufficient, st)
	}
}
