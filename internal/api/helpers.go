package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/models"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// UserResolver maps an authenticated email to a user id. *db.UserStore satisfies it.
type UserResolver interface {
	GetOrCreateUser(ctx context.Context, email string) (string, error)
}

// AccountOwnership loads an account only if the user owns it. *db.AccountStore satisfies it.
type AccountOwnership interface {
	GetAccountForUser(ctx context.Context, userID, accountID string) (*models.Account, error)
}

// accountGuard resolves the caller and the account they ask about.
// Every handler that takes an account_id goes through it.
type accountGuard struct {
	users    UserResolver
	accounts AccountOwnership
}

// GetUserIDFromContext extracts the user's email from context, resolves/creates the DB user,
// and writes appropriate HTTP errors when it fails. Returns (userID, true) on success.
func (g accountGuard) GetUserIDFromContext(ctx context.Context, w http.ResponseWriter) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		log.Println("API: No user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	userID, err := g.users.GetOrCreateUser(ctx, email)
	if err != nil {
		log.Printf("API: Failed to get/create user: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}

	return userID, true
}

// ownedAccount returns the account if the caller owns it. Accounts of other users
// answer 404 so that their IDs cannot be probed.
func (g accountGuard) ownedAccount(ctx context.Context, w http.ResponseWriter, accountID string) (*models.Account, bool) {
	userID, ok := g.GetUserIDFromContext(ctx, w)
	if !ok {
		return nil, false
	}

	if strings.TrimSpace(accountID) == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return nil, false
	}

	account, err := g.accounts.GetAccountForUser(ctx, userID, accountID)
	if errors.Is(err, models.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.Printf("API: Failed to get account %s: %v", accountID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return account, true
}

// mailboxRequest is the body of every endpoint that targets one mailbox.
type mailboxRequest struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`
}

// decodeJSON reads a JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeMailboxRequest decodes a mailboxRequest and requires both fields.
func decodeMailboxRequest(w http.ResponseWriter, r *http.Request) (mailboxRequest, bool) {
	var req mailboxRequest
	if !decodeJSON(w, r, &req) {
		return req, false
	}
	req.Mailbox = strings.TrimSpace(req.Mailbox)
	if req.Mailbox == "" {
		http.Error(w, "mailbox is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
	}
}

// requireMethod answers 405 unless the request uses method.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
