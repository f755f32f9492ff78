package usecase

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"clone-agent/internal/domain"
)

const coldStartTopicID = "general"

type topicResponse struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords"`
}

type sufficiencyResponse struct {
	Sufficient bool `json:"sufficient"`
}

type strategyResponse struct {
	ComplexityFactor float64 `json:"complexity_factor"`
	Mode             string  `json:"mode"`
}

func topicSystemPrompt() string {
	return strings.Join([]string{
		"You are a topic analyzer. Analyze the user input.",
		"Extract the main topic (1-2 words) and 3 keywords.",
		"If a previous topic is provided, check whether the input continues it.",
		"If it does, reuse the same topic name so the topic id stays stable.",
		`Output ONLY JSON: {"topic": "string", "keywords": ["string"]}`,
	}, "\n")
}

func topicUserPrompt(text, priorTopicID string) string {
	prior := priorTopicID
	if prior == "" {
		prior = "None"
	}
	return fmt.Sprintf("User Input: %s\nPrevious Topic ID: %s", text, prior)
}

// topicIDFor maps a topic name to a stable identifier so continuation
// turns that resolve to the same name share the same id.
func topicIDFor(name string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(sum[:])
}

func sufficiencySystemPrompt() string {
	return strings.Join([]string{
		"You are a context judge. Given a user question and the recent",
		"conversation history, decide whether the history alone is enough",
		"to answer the question well.",
		`If yes, output {"sufficient": true}.`,
		`If the history is irrelevant or empty and the question requires factual knowledge, output {"sufficient": false}.`,
	}, "\n")
}

func sufficiencyUserPrompt(userInput string, history []domain.TurnMessage) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(userInput)
	b.WriteString("\nHistory:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func strategySystemPrompt(inputModality domain.ReplyMode) string {
	base := strings.Join([]string{
		"You receive a WhatsApp-style conversation (messages with role user|assistant)",
		"followed by the user's latest message.",
		"Analyze the latest message in context and return JSON with two fields:",
		"",
		`{"complexity_factor": <float between 0 and 1>, "mode": "<text|audio>"}`,
		"",
		"Rules:",
		`1. If the user explicitly asks for audio or voice, mode="audio".`,
		`2. If the user explicitly asks for text or a written message, mode="text".`,
		"3. Otherwise weigh topic, question type and conversational depth.",
		`Small talk and short follow-ups lean text with a low complexity_factor.`,
		"Personal advice, sensitive or emotional topics, and long structured",
		"guidance lean audio with a high complexity_factor.",
		"Return ONLY JSON, no extra text.",
	}, "\n")
	if inputModality == domain.ModeAudio {
		base += "\nThe user sent their message as a voice note; lean toward audio unless they asked for text."
	}
	return base
}

// extractFirstJSONObject pulls the first balanced JSON object out of raw,
// tolerating fenced blocks and prose around the payload. Quote and escape
// aware so braces inside strings do not unbalance the scan.
func extractFirstJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func parseTopic(raw string) (topicResponse, error) {
	payload, ok := extractFirstJSONObject(raw)
	if !ok {
		return topicResponse{}, fmt.Errorf("usecase: no JSON object in topic response")
	}
	var out topicResponse
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return topicResponse{}, fmt.Errorf("usecase: decode topic response: %w", err)
	}
	if strings.TrimSpace(out.Topic) == "" {
		return topicResponse{}, fmt.Errorf("usecase: topic response missing topic")
	}
	return out, nil
}

func parseSufficiency(raw string) (bool, error) {
	payload, ok := extractFirstJSONObject(raw)
	if !ok {
		return false, fmt.Errorf("usecase: no JSON object in sufficiency response")
	}
	var out sufficiencyResponse
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return false, fmt.Errorf("usecase: decode sufficiency response: %w", err)
	}
	return out.Sufficient, nil
}

// parseStrategy decodes the classifier output. Any malformed payload
// yields the default strategy; this step never fails a turn.
func parseStrategy(raw string) (domain.ReplyStrategy, bool) {
	payload, ok := extractFirstJSONObject(raw)
	if !ok {
		return domain.DefaultStrategy(), false
	}
	var out strategyResponse
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return domain.DefaultStrategy(), false
	}
	mode := domain.ReplyMode(strings.ToLower(strings.TrimSpace(out.Mode)))
	if mode != domain.ModeText && mode != domain.ModeAudio {
		return domain.DefaultStrategy(), false
	}
	factor := out.ComplexityFactor
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	return domain.ReplyStrategy{Mode: mode, ComplexityFactor: factor}, true
}

// buildGenerationSystem appends the retrieved passages to the base
// directive. The context block is omitted entirely when retrieval
// returned nothing, so the model never sees an empty scaffold.
func buildGenerationSystem(directive string, passages []domain.Passage) string {
	directive = strings.TrimSpace(directive)
	if len(passages) == 0 {
		return directive
	}
	var b strings.Builder
	b.WriteString(directive)
	b.WriteString("\n\nContext:\n")
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(p.Content))
	}
	return b.String()
}

// buildGenerationMessages assembles the prompt sequence: prior turns
// oldest-first, current user input appended last.
func buildGenerationMessages(history []domain.TurnMessage, userInput string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, domain.ChatMessage{Role: string(domain.RoleUser), Content: userInput})
	return messages
}

// priorTurns strips the current turn's inbound record from a loaded
// window. The record lands in the ledger before the window is read, so
// without this the input would appear twice in the prompt as adjacent
// user messages, which the model rejects.
func priorTurns(history []domain.TurnMessage, eventID string, limit int) []domain.TurnMessage {
	kept := make([]domain.TurnMessage, 0, len(history))
	for _, m := range history {
		if m.Role == domain.RoleUser && m.EventID == eventID {
			continue
		}
		kept = append(kept, m)
	}
	return lastN(kept, limit)
}

// lastN returns the trailing window of history used for strategy and
// generation prompts.
func lastN(history []domain.TurnMessage, n int) []domain.TurnMessage {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
