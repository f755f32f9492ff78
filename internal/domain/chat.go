package domain

// ChatMessage is the provider-agnostic chat message shape passed to the
// model invoker by the orchestrator's prompt assembly.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
