package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clone-agent/internal/domain"
)

const (
	defaultTemperature    = 0.5
	defaultMaxTokens      = 4096
	defaultTopK           = 3
	defaultHistoryLimit   = 10
	defaultIdleTTL        = 24 * time.Hour
	defaultCallTimeout    = 30 * time.Second
	classifierMaxTokens   = 300
	sufficiencyMaxTokens  = 100
	classifierTemperature = 0.0
)

// ModelRequest is the provider-agnostic inference call shape.
type ModelRequest struct {
	ModelID     string
	System      string
	Messages    []domain.ChatMessage
	Temperature float64
	MaxTokens   int
}

// ModelInvoker runs one inference call and returns the raw model text.
type ModelInvoker interface {
	Invoke(ctx context.Context, req ModelRequest) (string, error)
}

// KnowledgeRetriever fetches supporting passages for a query.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.Passage, error)
}

// SessionStore persists ConversationSession records.
type SessionStore interface {
	Latest(ctx context.Context, conversationKey string) (domain.Session, bool, error)
	Create(ctx context.Context, s domain.Session) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
}

// Ledger is the append-only conversation record.
type Ledger interface {
	Append(ctx context.Context, msg domain.TurnMessage) error
	History(ctx context.Context, sessionID string, limit int) ([]domain.TurnMessage, error)
	LastSeq(ctx context.Context, sessionID string) (int, error)
}

// ParamGetter reads configuration values from the parameter store.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// TurnConfig carries the tunables of the orchestrator. Zero values fall
// back to the documented defaults.
type TurnConfig struct {
	ModelID           string
	ClassifierModelID string
	Temperature       float64
	MaxTokens         int
	KnowledgeTopK     int
	HistoryLimit      int
	SessionIdleTTL    time.Duration
	CallTimeout       time.Duration
	RetryBaseDelay    time.Duration
}

// TurnInput is one inbound message. EventID is the gateway's message id
// and keys the idempotent inbound ledger append.
type TurnInput struct {
	ConversationKey string
	Text            string
	EventID         string
	InputModality   domain.ReplyMode
	Temperature     *float64
	MaxTokens       *int
}

// TurnOutput reports the delivered reply and the continuity identifiers.
type TurnOutput struct {
	Answer        string
	Receipt       domain.DeliveryReceipt
	SessionID     string
	TopicID       string
	NewSession    bool
	DeliveredMode domain.ReplyMode
	Fallbacks     []string
}

// turnContext is the orchestrator's working state for a single turn. It
// is never persisted as a whole; fields flow into session and ledger
// records as they finalize, and the struct is discarded on completion.
type turnContext struct {
	in         TurnInput
	session    domain.Session
	isNew      bool
	topicID    string
	keywords   []string
	history    []domain.TurnMessage
	sufficient bool
	passages   []domain.Passage
	strategy   domain.ReplyStrategy
	answer     string
	receipt    domain.DeliveryReceipt
	delivered  domain.ReplyMode
	inboundSeq int
	fallbacks  []string
}

func (tc *turnContext) fallback(step, reason string) {
	tc.fallbacks = append(tc.fallbacks, step+":"+reason)
}

// TurnService sequences one conversation turn through the state graph.
type TurnService struct {
	model      ModelInvoker
	retriever  KnowledgeRetriever
	sessions   SessionStore
	ledger     Ledger
	dispatcher OutputDispatcher
	params     ParamGetter
	newID      func() string
	now        func() time.Time
	cfg        TurnConfig
	log        *slog.Logger

	locks sessionLocks

	directiveMu     sync.RWMutex
	directiveLoaded bool
	directive       string
	paramPrefix     string
}

func NewTurnService(
	model ModelInvoker,
	retriever KnowledgeRetriever,
	sessions SessionStore,
	ledger Ledger,
	dispatcher OutputDispatcher,
	params ParamGetter,
	paramPrefix string,
	newID func() string,
	cfg TurnConfig,
	log *slog.Logger,
) (*TurnService, error) {
	if model == nil {
		return nil, errors.New("usecase: model invoker must not be nil")
	}
	if retriever == nil {
		return nil, errors.New("usecase: knowledge retriever must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: output dispatcher must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		return nil, errors.New("usecase: model id must not be empty")
	}
	if cfg.ClassifierModelID == "" {
		cfg.ClassifierModelID = cfg.ModelID
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = defaultTopK
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = defaultIdleTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBase
	}
	if newID == nil {
		return nil, errors.New("usecase: id generator must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := validateTransitions(); err != nil {
		return nil, err
	}
	return &TurnService{
		model:       model,
		retriever:   retriever,
		sessions:    sessions,
		ledger:      ledger,
		dispatcher:  dispatcher,
		params:      params,
		paramPrefix: paramPrefix,
		newID:       newID,
		now:         time.Now,
		cfg:         cfg,
		log:         log,
	}, nil
}

// HandleTurn takes one inbound message through the full state graph and
// returns the delivered reply. Turns for the same conversation key are
// serialized; turns for different keys run concurrently.
func (s *TurnService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if strings.TrimSpace(in.ConversationKey) == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_conversation_key", nil)
	}
	if strings.TrimSpace(in.EventID) == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_event_id", nil)
	}
	if in.InputModality == "" {
		in.InputModality = domain.ModeText
	}

	if !s.locks.acquire(ctx, in.ConversationKey) {
		return TurnOutput{}, newError(ErrorInternal, "turn_cancelled", ctx.Err())
	}
	defer s.locks.release(in.ConversationKey)

	if err := s.ensureDirective(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "directive_load_error", err)
	}

	tc := &turnContext{in: in}
	for st := stateResolveSession; st != stateDone; st = nextState(st, tc) {
		if err := s.runStep(ctx, st, tc); err != nil {
			return TurnOutput{}, err
		}
	}

	return TurnOutput{
		Answer:        tc.answer,
		Receipt:       tc.receipt,
		SessionID:     tc.session.ID,
		TopicID:       tc.topicID,
		NewSession:    tc.isNew,
		DeliveredMode: tc.delivered,
		Fallbacks:     tc.fallbacks,
	}, nil
}

// runStep executes one state. A returned error means the turn aborts;
// steps with a declared fallback record it on the context and return nil.
func (s *TurnService) runStep(ctx context.Context, st turnState, tc *turnContext) error {
	switch st {
	case stateResolveSession:
		return s.resolveSession(ctx, tc)
	case statePersistInbound:
		return s.persistInbound(ctx, tc)
	case stateAnalyzeTopic:
		return s.analyzeTopic(ctx, tc)
	case stateEvaluateSufficiency:
		return s.evaluateSufficiency(ctx, tc)
	case stateRetrieveKnowledge:
		return s.retrieveKnowledge(ctx, tc)
	case stateClassifyStrategy:
		return s.classifyStrategy(ctx, tc)
	case stateGenerateResponse:
		return s.generateResponse(ctx, tc)
	case stateDispatch:
		return s.dispatch(ctx, tc)
	case statePersistOutbound:
		return s.persistOutbound(ctx, tc)
	case stateTouchSession:
		return s.touchSession(ctx, tc)
	}
	return newError(ErrorInternal, "unknown_state", nil)
}

// resolveSession reuses the newest session for the conversation key when
// it is inside the idle window, otherwise creates a fresh one carrying
// the expired session's topic id over as prior context. Store failure
// after retries is fatal: without a session there are no continuity
// guarantees.
func (s *TurnService) resolveSession(ctx context.Context, tc *turnContext) error {
	now := s.now().UTC()
	var latest domain.Session
	var found bool
	err := withRetry(ctx, defaultRetryAttempts, s.cfg.RetryBaseDelay, func(ctx context.Context) error {
		var err error
		latest, found, err = s.callLatest(ctx, tc.in.ConversationKey)
		return err
	})
	if err != nil {
		return newError(ErrorInternal, "session_resolve_error", err)
	}

	if found && now.Sub(latest.LastActiveAt) < s.cfg.SessionIdleTTL {
		tc.session = latest
		tc.topicID = latest.TopicID
		return nil
	}

	created := domain.Session{
		ID:              s.newID(),
		ConversationKey: tc.in.ConversationKey,
		StartedAt:       now,
		LastActiveAt:    now,
	}
	if found {
		// Expiry starts a new session but keeps the old topic as context.
		created.TopicID = latest.TopicID
	}
	err = withRetry(ctx, defaultRetryAttempts, s.cfg.RetryBaseDelay, func(ctx context.Context) error {
		return s.callCreate(ctx, created)
	})
	if err != nil {
		return newError(ErrorInternal, "session_create_error", err)
	}
	tc.session = created
	tc.isNew = true
	tc.topicID = created.TopicID
	return nil
}

// persistInbound appends the user message under the next sequence key.
// The append is idempotent on the inbound event id, so re-invoking an
// aborted turn does not duplicate user history.
func (s *TurnService) persistInbound(ctx context.Context, tc *turnContext) error {
	err := withRetry(ctx, defaultRetryAttempts, s.cfg.RetryBaseDelay, func(ctx context.Context) error {
		last, err := s.callLastSeq(ctx, tc.session.ID)
		if err != nil {
			return err
		}
		tc.inboundSeq = last + 1
		return s.callAppend(ctx, domain.TurnMessage{
			SessionID: tc.session.ID,
			TopicID:   tc.topicID,
			Role:      domain.RoleUser,
			Content:   tc.in.Text,
			Seq:       tc.inboundSeq,
			EventID:   tc.in.EventID,
			Timestamp: s.now().UTC(),
		})
	})
	if err != nil {
		// The reply still matters more than the record; deliver and leave
		// the gap in the ledger to the log.
		s.log.Error("inbound ledger append failed", "session", tc.session.ID, "err", err)
		tc.fallback("PersistInboundMessage", "append_skipped")
	}
	return nil
}

// analyzeTopic classifies continuity versus shift. Any failure keeps the
// prior topic (stability bias); a cold start with no prior topic lands on
// the general topic.
func (s *TurnService) analyzeTopic(ctx context.Context, tc *turnContext) error {
	raw, err := s.invoke(ctx, ModelRequest{
		ModelID:     s.cfg.ClassifierModelID,
		System:      topicSystemPrompt(),
		Messages:    []domain.ChatMessage{{Role: string(domain.RoleUser), Content: topicUserPrompt(tc.in.Text, tc.topicID)}},
		Temperature: classifierTemperature,
		MaxTokens:   classifierMaxTokens,
	})
	if err == nil {
		if parsed, perr := parseTopic(raw); perr == nil {
			tc.topicID = topicIDFor(parsed.Topic)
			tc.keywords = parsed.Keywords
			return nil
		} else {
			err = perr
		}
	}
	s.log.Warn("topic analysis fell back to prior topic", "err", err)
	if tc.topicID == "" {
		tc.topicID = coldStartTopicID
	}
	tc.fallback("AnalyzeTopic", "prior_topic_kept")
	return nil
}

// evaluateSufficiency loads recent history and asks the judge whether it
// alone can answer. The window is loaded after persistInbound, so the
// current turn's own record comes back with it and is stripped before
// use; prompts carry the input exactly once, appended by the builders.
// Empty prior history and evaluator failure both resolve to
// insufficient: an under-informed answer costs more than a wasted
// retrieval call.
func (s *TurnService) evaluateSufficiency(ctx context.Context, tc *turnContext) error {
	// One extra row covers the just-persisted inbound record.
	history, err := s.callHistory(ctx, tc.session.ID, s.cfg.HistoryLimit+1)
	if err != nil {
		s.log.Warn("history load failed, treating context as insufficient", "err", err)
		tc.fallback("EvaluateSufficiency", "history_unavailable")
		tc.sufficient = false
		return nil
	}
	tc.history = priorTurns(history, tc.in.EventID, s.cfg.HistoryLimit)

	if len(tc.history) == 0 {
		tc.sufficient = false
		return nil
	}

	raw, err := s.invoke(ctx, ModelRequest{
		ModelID:     s.cfg.ClassifierModelID,
		System:      sufficiencySystemPrompt(),
		Messages:    []domain.ChatMessage{{Role: string(domain.RoleUser), Content: sufficiencyUserPrompt(tc.in.Text, tc.history)}},
		Temperature: classifierTemperature,
		MaxTokens:   sufficiencyMaxTokens,
	})
	if err == nil {
		if sufficient, perr := parseSufficiency(raw); perr == nil {
			tc.sufficient = sufficient
			return nil
		} else {
			err = perr
		}
	}
	s.log.Warn("sufficiency evaluation fell back to insufficient", "err", err)
	tc.fallback("EvaluateSufficiency", "assumed_insufficient")
	tc.sufficient = false
	return nil
}

// retrieveKnowledge fetches the top passages. An empty result set is
// valid; exhausted retries degrade to generation without augmentation.
func (s *TurnService) retrieveKnowledge(ctx context.Context, tc *turnContext) error {
	err := withRetry(ctx, defaultRetryAttempts, s.cfg.RetryBaseDelay, func(ctx context.Context) error {
		passages, err := s.callRetrieve(ctx, tc.in.Text, s.cfg.KnowledgeTopK)
		if err != nil {
			return err
		}
		tc.passages = passages
		return nil
	})
	if err != nil {
		s.log.Warn("knowledge retrieval failed, generating without context", "err", err)
		tc.fallback("RetrieveKnowledge", "empty_context")
		tc.passages = nil
	}
	return nil
}

// classifyStrategy picks the output modality and complexity. This step
// never aborts: any failure yields the text/mid-scale default.
func (s *TurnService) classifyStrategy(ctx context.Context, tc *turnContext) error {
	window := lastN(tc.history, s.cfg.HistoryLimit)
	raw, err := s.invoke(ctx, ModelRequest{
		ModelID:     s.cfg.ClassifierModelID,
		System:      strategySystemPrompt(tc.in.InputModality),
		Messages:    buildGenerationMessages(window, tc.in.Text),
		Temperature: classifierTemperature,
		MaxTokens:   sufficiencyMaxTokens,
	})
	if err != nil {
		s.log.Warn("strategy classification failed, defaulting to text", "err", err)
		tc.fallback("ClassifyStrategy", "default_strategy")
		tc.strategy = domain.DefaultStrategy()
		return nil
	}
	strategy, parsed := parseStrategy(raw)
	if !parsed {
		s.log.Warn("strategy output unparseable, defaulting to text", "raw_len", len(raw))
		tc.fallback("ClassifyStrategy", "default_strategy")
	}
	tc.strategy = strategy
	return nil
}

// generateResponse produces the answer. There is no safe fallback answer,
// so failure here aborts the turn as a retryable error; the inbound
// message stays recorded and a re-invocation will not duplicate it.
func (s *TurnService) generateResponse(ctx context.Context, tc *turnContext) error {
	temperature := s.cfg.Temperature
	if tc.in.Temperature != nil {
		temperature = *tc.in.Temperature
	}
	maxTokens := s.cfg.MaxTokens
	if tc.in.MaxTokens != nil {
		maxTokens = *tc.in.MaxTokens
	}

	answer, err := s.invoke(ctx, ModelRequest{
		ModelID:     s.cfg.ModelID,
		System:      buildGenerationSystem(s.loadedDirective(), tc.passages),
		Messages:    buildGenerationMessages(lastN(tc.history, s.cfg.HistoryLimit), tc.in.Text),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return newRetryableError(ErrorGeneration, "generation_error", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return newRetryableError(ErrorGeneration, "empty_answer", nil)
	}
	tc.answer = answer
	return nil
}

// dispatch delivers the answer. The dispatcher degrades audio to text on
// its own; only a total delivery failure surfaces here, after the answer
// was generated, so the failure is retryable for delivery alone.
func (s *TurnService) dispatch(ctx context.Context, tc *turnContext) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	receipt, delivered, err := s.dispatcher.Dispatch(callCtx, tc.in.ConversationKey, tc.answer, tc.strategy, tc.in.EventID)
	if err != nil {
		return newRetryableError(ErrorDelivery, "delivery_failed", err)
	}
	if tc.strategy.Mode == domain.ModeAudio && delivered == domain.ModeText {
		tc.fallback("Dispatch", "audio_degraded_to_text")
	}
	tc.receipt = receipt
	tc.delivered = delivered
	return nil
}

// persistOutbound appends the assistant message right after the inbound
// one. Exactly one outbound record per successful turn, whatever modality
// was delivered.
func (s *TurnService) persistOutbound(ctx context.Context, tc *turnContext) error {
	err := withRetry(ctx, defaultRetryAttempts, s.cfg.RetryBaseDelay, func(ctx context.Context) error {
		return s.callAppend(ctx, domain.TurnMessage{
			SessionID: tc.session.ID,
			TopicID:   tc.topicID,
			Role:      domain.RoleAssistant,
			Content:   tc.answer,
			Seq:       tc.inboundSeq + 1,
			EventID:   tc.in.EventID,
			Timestamp: s.now().UTC(),
		})
	})
	if err != nil {
		// The user already has the reply; losing the record is a logged
		// defect, not a turn failure.
		s.log.Error("outbound ledger append failed", "session", tc.session.ID, "err", err)
		tc.fallback("PersistOutboundMessage", "append_skipped")
	}
	return nil
}

// touchSession bumps last-active-at. One retry, then log and move on;
// the reply is already delivered and must not be blocked.
func (s *TurnService) touchSession(ctx context.Context, tc *turnContext) error {
	err := withRetry(ctx, 2, s.cfg.RetryBaseDelay, func(ctx context.Context) error {
		return s.callTouch(ctx, tc.session.ID, s.now().UTC())
	})
	if err != nil {
		s.log.Error("session touch failed", "session", tc.session.ID, "err", err)
		tc.fallback("TouchSession", "touch_skipped")
	}
	return nil
}

// ensureDirective loads the base system directive from the parameter
// store once per process, mirroring how other per-process configuration
// is cached.
func (s *TurnService) ensureDirective(ctx context.Context) error {
	s.directiveMu.RLock()
	if s.directiveLoaded {
		s.directiveMu.RUnlock()
		return nil
	}
	s.directiveMu.RUnlock()

	s.directiveMu.Lock()
	defer s.directiveMu.Unlock()
	if s.directiveLoaded {
		return nil
	}
	directive, err := s.params.GetParameter(ctx, s.paramPrefix+"/system_directive")
	if err != nil {
		return err
	}
	s.directive = directive
	s.directiveLoaded = true
	return nil
}

func (s *TurnService) loadedDirective() string {
	s.directiveMu.RLock()
	defer s.directiveMu.RUnlock()
	return s.directive
}

// invoke runs a model call under the per-call timeout.
func (s *TurnService) invoke(ctx context.Context, req ModelRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.model.Invoke(callCtx, req)
}

func (s *TurnService) callLatest(ctx context.Context, key string) (domain.Session, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.sessions.Latest(callCtx, key)
}

func (s *TurnService) callCreate(ctx context.Context, sess domain.Session) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.sessions.Create(callCtx, sess)
}

func (s *TurnService) callTouch(ctx context.Context, id string, at time.Time) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.sessions.Touch(callCtx, id, at)
}

func (s *TurnService) callAppend(ctx context.Context, msg domain.TurnMessage) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.ledger.Append(callCtx, msg)
}

func (s *TurnService) callHistory(ctx context.Context, sessionID string, limit int) ([]domain.TurnMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.ledger.History(callCtx, sessionID, limit)
}

func (s *TurnService) callLastSeq(ctx context.Context, sessionID string) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.ledger.LastSeq(callCtx, sessionID)
}

func (s *TurnService) callRetrieve(ctx context.Context, query string, topK int) ([]domain.Passage, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.retriever.Retrieve(callCtx, query, topK)
}
