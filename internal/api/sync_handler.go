package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/watch"
)

// SyncStates reads and cancels mailbox passes. *db.SyncStateStore satisfies it.
type SyncStates interface {
	ListSyncStates(ctx context.Context, accountID string) ([]*models.MailboxSyncState, error)
	RequestCancel(ctx context.Context, accountID, mailbox string) (models.SyncStatus, error)
}

// SyncDispatcher queues passes. *syncer.Dispatcher satisfies it.
type SyncDispatcher interface {
	EnqueueSync(ctx context.Context, req models.SyncRequest) (bool, error)
	EnqueueAll(ctx context.Context, accountID string, trigger models.SyncTrigger) ([]string, error)
}

// WatchSnapshotter reports the live watches. *watch.Coordinator satisfies it.
type WatchSnapshotter interface {
	Snapshot() []watch.Status
}

// SyncHandler serves /api/v1/sync/*.
type SyncHandler struct {
	accountGuard
	states     SyncStates
	dispatcher SyncDispatcher
	watches    WatchSnapshotter
}

// NewSyncHandler creates a SyncHandler. watches may be nil.
func NewSyncHandler(users UserResolver, accounts AccountOwnership, states SyncStates, dispatcher SyncDispatcher, watches WatchSnapshotter) *SyncHandler {
	return &SyncHandler{
		accountGuard: accountGuard{users: users, accounts: accounts},
		states:       states,
		dispatcher:   dispatcher,
		watches:      watches,
	}
}

// mailboxState adds the derived recovering flag to a stored state.
type mailboxState struct {
	*models.MailboxSyncState
	Recovering bool `json:"recovering"`
}

// SyncStateResponse is the body of GET /api/v1/sync/state.
type SyncStateResponse struct {
	Mailboxes []mailboxState `json:"mailboxes"`
	Watches   []watch.Status `json:"watches"`
}

// GetState returns every mailbox sync state of the account plus its live watches.
func (h *SyncHandler) GetState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	account, ok := h.ownedAccount(ctx, w, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}

	states, err := h.states.ListSyncStates(ctx, account.ID)
	if err != nil {
		log.Printf("SyncHandler: Failed to list sync states: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := SyncStateResponse{
		Mailboxes: make([]mailboxState, 0, len(states)),
		Watches:   []watch.Status{},
	}
	for _, s := range states {
		resp.Mailboxes = append(resp.Mailboxes, mailboxState{MailboxSyncState: s, Recovering: s.IsRecovering()})
	}
	if h.watches != nil {
		for _, s := range h.watches.Snapshot() {
			if s.AccountID == account.ID {
				resp.Watches = append(resp.Watches, s)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type startSyncRequest struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`
	All       bool   `json:"all"`
}

// StartSync queues a manual pass for one mailbox, or for all of them when "all" is set.
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var req startSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, ok := h.ownedAccount(ctx, w, req.AccountID)
	if !ok {
		return
	}

	if req.All {
		mailboxes, err := h.dispatcher.EnqueueAll(ctx, account.ID, models.TriggerManual)
		if err != nil {
			log.Printf("SyncHandler: Failed to queue all mailboxes of %s: %v", account.ID, err)
			http.Error(w, "Failed to start sync", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"mailboxes": mailboxes})
		return
	}

	mailbox := strings.TrimSpace(req.Mailbox)
	if mailbox == "" {
		http.Error(w, "mailbox is required unless all is set", http.StatusBadRequest)
		return
	}

	queued, err := h.dispatcher.EnqueueSync(ctx, models.SyncRequest{
		AccountID: account.ID,
		Mailbox:   mailbox,
		Trigger:   models.TriggerManual,
	})
	if err != nil {
		log.Printf("SyncHandler: Failed to queue %s of %s: %v", mailbox, account.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"mailbox": mailbox, "queued": queued})
}

// CancelSync asks the mailbox's pass to stop. Cancelling an idle mailbox changes nothing
// and reports its current status.
func (h *SyncHandler) CancelSync(w http.ResponseWriter, r *http.Request) {
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

	status, err := h.states.RequestCancel(ctx, account.ID, req.Mailbox)
	if errors.Is(err, db.ErrSyncStateNotFound) {
		http.Error(w, "Mailbox not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("SyncHandler: Failed to cancel %s of %s: %v", req.Mailbox, account.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mailbox": req.Mailbox, "status": status})
}
