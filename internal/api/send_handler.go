package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/outbound"
)

// Submitter accepts outbound messages. *outbound.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, accountID, identity, key string, env *models.OutboundEnvelope) (*outbound.SubmitResult, error)
}

// SendHandler serves POST /api/v1/send.
type SendHandler struct {
	accountGuard
	sender Submitter
}

// NewSendHandler creates a SendHandler.
func NewSendHandler(users UserResolver, accounts AccountOwnership, sender Submitter) *SendHandler {
	return &SendHandler{
		accountGuard: accountGuard{users: users, accounts: accounts},
		sender:       sender,
	}
}

type sendRequest struct {
	AccountID      string                   `json:"account_id"`
	Identity       string                   `json:"identity"`
	IdempotencyKey string                   `json:"idempotency_key"`
	Envelope       *models.OutboundEnvelope `json:"envelope"`
}

// Send records the message under its idempotency key and queues delivery.
// The key comes from the body or the Idempotency-Key header; if both are set they must match.
// A repeated key answers 200 with the original send instead of 202.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
		if key != "" && key != header {
			http.Error(w, "Idempotency-Key header does not match idempotency_key", http.StatusBadRequest)
			return
		}
		key = header
	}

	account, ok := h.ownedAccount(ctx, w, req.AccountID)
	if !ok {
		return
	}

	result, err := h.sender.Submit(ctx, account.ID, req.Identity, key, req.Envelope)
	if errors.Is(err, outbound.ErrInvalidEnvelope) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("SendHandler: Failed to submit send for %s: %v", account.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}
