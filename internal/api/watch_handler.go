package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/push"
	"github.com/vdavid/mailsync/internal/watch"
)

// Watcher starts and stops realtime watches. *watch.Coordinator satisfies it.
type Watcher interface {
	StartIdle(ctx context.Context, accountID, mailbox string) error
	StopIdle(accountID, mailbox string)
	EnablePush(ctx context.Context, accountID, mailbox string) (*models.PushSubscription, error)
	DisablePush(ctx context.Context, accountID, mailbox string) error
	HandlePush(ctx context.Context, n push.Notification) (int, error)
}

// WatchHandler serves /api/v1/watch/* and /api/v1/push/*.
type WatchHandler struct {
	accountGuard
	watches      Watcher
	webhookToken string
}

// NewWatchHandler creates a WatchHandler. An empty webhookToken disables the webhook.
func NewWatchHandler(users UserResolver, accounts AccountOwnership, watches Watcher, webhookToken string) *WatchHandler {
	return &WatchHandler{
		accountGuard: accountGuard{users: users, accounts: accounts},
		watches:      watches,
		webhookToken: webhookToken,
	}
}

// StartWatch starts an IDLE watch on the mailbox. Starting a running watch is a no-op.
func (h *WatchHandler) StartWatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	req, ok := decodeMailboxRequest(w, r)
	if !ok {
		return
	}
	account, ok := h.ownedAccount(ctx, w, req.AccountID)
	if !ok {
		return
	}

	if err := h.watches.StartIdle(ctx, account.ID, req.Mailbox); err != nil {
		log.Printf("WatchHandler: Failed to start watch on %s of %s: %v", req.Mailbox, account.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"mailbox": req.Mailbox, "watching": true})
}

// StopWatch stops the mailbox's IDLE watch and releases its connection.
func (h *WatchHandler) StopWatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	req, ok := decodeMailboxRequest(w, r)
	if !ok {
		return
	}
	account, ok := h.ownedAccount(ctx, w, req.AccountID)
	if !ok {
		return
	}

	h.watches.StopIdle(account.ID, req.Mailbox)
	writeJSON(w, http.StatusOK, map[string]any{"mailbox": req.Mailbox, "watching": false})
}

// EnablePush subscribes the mailbox to provider push notifications.
func (h *WatchHandler) EnablePush(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	req, ok := decodeMailboxRequest(w, r)
	if !ok {
		return
	}
	account, ok := h.ownedAccount(ctx, w, req.AccountID)
	if !ok {
		return
	}

	sub, err := h.watches.EnablePush(ctx, account.ID, req.Mailbox)
	switch {
	case errors.Is(err, watch.ErrPushUnsupported):
		http.Error(w, "Account does not support push", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, watch.ErrPushNotConfigured):
		http.Error(w, "Push is not configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		log.Printf("WatchHandler: Failed to enable push on %s of %s: %v", req.Mailbox, account.ID, err)
		http.Error(w, "Failed to enable push", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// DisablePush stops push notifications for the mailbox.
func (h *WatchHandler) DisablePush(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	req, ok := decodeMailboxRequest(w, r)
	if !ok {
		return
	}
	account, ok := h.ownedAccount(ctx, w, req.AccountID)
	if !ok {
		return
	}

	err := h.watches.DisablePush(ctx, account.ID, req.Mailbox)
	if errors.Is(err, watch.ErrPushNotConfigured) {
		http.Error(w, "Push is not configured", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		log.Printf("WatchHandler: Failed to disable push on %s of %s: %v", req.Mailbox, account.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushWebhook receives Pub/Sub push deliveries. It is not behind bearer auth;
// the shared token in the query string authenticates the caller.
// Malformed deliveries are acknowledged so Pub/Sub does not redeliver them forever.
func (h *WatchHandler) PushWebhook(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if h.webhookToken == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
		log.Println("WatchHandler: Push webhook called with a bad token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := push.DecodeGmailPushEnvelope(r.Body)
	if err != nil {
		log.Printf("WatchHandler: Dropping malformed push delivery: %v", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := h.watches.HandlePush(r.Context(), n); err != nil {
		// A non-2xx answer makes Pub/Sub redeliver.
		log.Printf("WatchHandler: Failed to handle push for %s: %v", n.AccountHint, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
