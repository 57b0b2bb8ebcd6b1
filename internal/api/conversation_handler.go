package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// ThreadReader loads stored threads. *db.MessageStore satisfies it.
type ThreadReader interface {
	GetThreadForAccount(ctx context.Context, accountID, threadID string) (*models.Thread, error)
	GetMessagesForThread(ctx context.Context, threadID string) ([]*models.Message, error)
}

// ConversationHandler serves GET /api/v1/conversation.
type ConversationHandler struct {
	accountGuard
	threads ThreadReader
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(users UserResolver, accounts AccountOwnership, threads ThreadReader) *ConversationHandler {
	return &ConversationHandler{
		accountGuard: accountGuard{users: users, accounts: accounts},
		threads:      threads,
	}
}

// ConversationResponse is a thread in reply order.
type ConversationResponse struct {
	ThreadID string              `json:"threadId"`
	Subject  string              `json:"subject"`
	Nodes    []models.ThreadNode `json:"nodes"`
}

// GetConversation returns the thread's messages ordered into a reply tree.
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	account, ok := h.ownedAccount(ctx, w, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	thread, err := h.threads.GetThreadForAccount(ctx, account.ID, threadID)
	if errors.Is(err, db.ErrThreadNotFound) {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("ConversationHandler: Failed to get thread: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	messages, err := h.threads.GetMessagesForThread(ctx, thread.ID)
	if err != nil {
		log.Printf("ConversationHandler: Failed to get messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	headers := make([]models.ThreadMessage, 0, len(messages))
	for _, msg := range messages {
		if msg != nil {
			headers = append(headers, msg.ThreadMessage())
		}
	}

	writeJSON(w, http.StatusOK, ConversationResponse{
		ThreadID: thread.ID,
		Subject:  thread.Subject,
		Nodes:    threading.OrderThreadMessages(headers),
	})
}
