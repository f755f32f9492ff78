package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"clone-agent/internal/domain"
	"clone-agent/internal/usecase"
)

// TurnRunner is the orchestrator surface the webhook adapter depends on.
type TurnRunner interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

// webhookPayload is the subset of the WhatsApp webhook envelope this
// adapter reads.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type turnResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler adapts API Gateway proxy events to conversation turns. GET
// requests serve the webhook verification handshake; POST requests carry
// inbound messages.
type Handler struct {
	turns       TurnRunner
	verifyToken string
	log         *slog.Logger
}

func NewHandler(turns TurnRunner, verifyToken string, log *slog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn runner must not be nil")
	}
	if strings.TrimSpace(verifyToken) == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{turns: turns, verifyToken: verifyToken, log: log}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	switch req.HTTPMethod {
	case http.MethodGet:
		return h.handleVerification(req), nil
	case http.MethodPost:
		return h.handleWebhook(ctx, req), nil
	default:
		return plainResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
}

// handleVerification implements the hub challenge handshake Meta runs
// when the webhook URL is registered.
func (h *Handler) handleVerification(req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	mode := req.QueryStringParameters["hub.mode"]
	token := req.QueryStringParameters["hub.verify_token"]
	challenge := req.QueryStringParameters["hub.challenge"]

	if mode != "subscribe" || token != h.verifyToken {
		return plainResponse(http.StatusForbidden, "verification failed")
	}
	return plainResponse(http.StatusOK, challenge)
}

func (h *Handler) handleWebhook(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	msgs := extractMessages(req.Body)
	if len(msgs) == 0 {
		// Status callbacks and other non-message notifications are
		// acknowledged without work.
		return jsonResponse(http.StatusOK, "", turnResponse{Status: "ignored"})
	}

	// Every message in the envelope runs its own turn; the per-key lock
	// downstream serializes same-conversation siblings. A retryable
	// failure anywhere wins the response so the gateway redelivers the
	// batch, and the idempotent inbound append keeps replayed siblings
	// from duplicating the ledger.
	var last, firstFailure events.APIGatewayProxyResponse
	for _, msg := range msgs {
		last = h.handleMessage(ctx, msg)
		if firstFailure.StatusCode == 0 && last.StatusCode != http.StatusOK {
			firstFailure = last
		}
	}
	if firstFailure.StatusCode != 0 {
		return firstFailure
	}
	return last
}

func (h *Handler) handleMessage(ctx context.Context, msg inboundMessage) events.APIGatewayProxyResponse {
	if msg.Type != "text" || msg.Text == nil || strings.TrimSpace(msg.Text.Body) == "" {
		h.log.Warn("unsupported inbound message type", "type", msg.Type, "event", msg.ID)
		return jsonResponse(http.StatusOK, msg.ID, turnResponse{Status: "unsupported"})
	}

	out, err := h.turns.HandleTurn(ctx, usecase.TurnInput{
		ConversationKey: msg.From,
		Text:            msg.Text.Body,
		EventID:         msg.ID,
		InputModality:   domain.ModeText,
	})
	if err != nil {
		var turnErr *usecase.Error
		if errors.As(err, &turnErr) && turnErr.Retryable {
			// Non-2xx makes the gateway redeliver; the idempotent inbound
			// append keeps the ledger from duplicating on retry.
			h.log.Error("turn failed, requesting redelivery", "event", msg.ID, "err", err)
			return jsonResponse(http.StatusInternalServerError, msg.ID, turnResponse{Status: "retry", Error: string(turnErr.Code)})
		}
		h.log.Error("turn failed", "event", msg.ID, "err", err)
		return jsonResponse(http.StatusOK, msg.ID, turnResponse{Status: "failed"})
	}

	return jsonResponse(http.StatusOK, msg.ID, turnResponse{
		Status:    "delivered",
		MessageID: out.Receipt.MessageID,
		SessionID: out.SessionID,
	})
}

// extractMessages pulls every inbound message out of the webhook
// envelope, across all entries and changes.
func extractMessages(body string) []inboundMessage {
	var payload webhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil
	}
	var msgs []inboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			msgs = append(msgs, change.Value.Messages...)
		}
	}
	return msgs
}

func plainResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       body,
	}
}

func jsonResponse(status int, correlationID string, body turnResponse) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"status":"error","error":%q}`, err))
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if correlationID != "" {
		headers["X-Correlation-Id"] = correlationID
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(raw),
	}
}
