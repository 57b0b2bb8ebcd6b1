package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
)

// EventServer streams an account's events as SSE. *events.Stream satisfies it.
type EventServer interface {
	ServeSSE(ctx context.Context, w http.ResponseWriter, accountID string, since int64) error
}

// EventsHandler serves GET /api/v1/events.
type EventsHandler struct {
	accountGuard
	stream EventServer
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(users UserResolver, accounts AccountOwnership, stream EventServer) *EventsHandler {
	return &EventsHandler{
		accountGuard: accountGuard{users: users, accounts: accounts},
		stream:       stream,
	}
}

// Stream replays the account's events after ?since= (or the Last-Event-ID header of a
// reconnecting EventSource) and then follows new ones until the client goes away.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	account, ok := h.ownedAccount(ctx, w, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}

	since, ok := parseSince(r)
	if !ok {
		http.Error(w, "since must be a non-negative event id", http.StatusBadRequest)
		return
	}

	err := h.stream.ServeSSE(ctx, w, account.ID, since)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("EventsHandler: Stream for %s ended: %v", account.ID, err)
	}
}

// parseSince prefers Last-Event-ID over the query parameter.
func parseSince(r *http.Request) (int64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return 0, true
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, false
	}
	return since, true
}
