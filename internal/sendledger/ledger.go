// Package sendledger guarantees that an outbound message identified by an
// idempotency key reaches the transport at most once at a time and is never
// re-sent after it succeeded.
package sendledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrMissingIdempotencyKey is returned when a send has no key to deduplicate on.
var ErrMissingIdempotencyKey = errors.New("idempotency key is required")

// Store is the persistence the ledger needs. *db.SendAttemptStore satisfies it.
type Store interface {
	ClaimSend(ctx context.Context, accountID, key, identity string) (*models.SendAttempt, bool, error)
	FinalizeSendSuccess(ctx context.Context, accountID, key string, result json.RawMessage) error
	FinalizeSendFailure(ctx context.Context, accountID, key, message string, retriable bool) (models.SendStatus, error)
}

// ClaimOutcome says what the caller may do after asking for a claim.
type ClaimOutcome string

const (
	// ClaimAcquired means the caller owns the send and must call the transport.
	ClaimAcquired ClaimOutcome = "acquired"
	// ClaimAlreadySucceeded means an earlier attempt delivered the message; its result is cached.
	ClaimAlreadySucceeded ClaimOutcome = "already_succeeded"
	// ClaimInFlight means another worker is sending right now.
	ClaimInFlight ClaimOutcome = "in_flight"
	// ClaimAlreadyFailed means an earlier attempt failed for good.
	ClaimAlreadyFailed ClaimOutcome = "already_failed"
)

// Claim is the answer to AcquireSendClaim.
type Claim struct {
	Outcome ClaimOutcome
	Attempt *models.SendAttempt
	// Result is set for ClaimAlreadySucceeded.
	Result *models.SendResult
}

// Ledger is the idempotent send protocol on top of the send_attempts table.
type Ledger struct {
	store Store
}

// New creates a Ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// AcquireSendClaim atomically claims the send identified by key. Only one
// caller gets ClaimAcquired for a queued attempt; everybody else learns the
// current state without touching the transport.
func (l *Ledger) AcquireSendClaim(ctx context.Context, accountID, key, identity string) (*Claim, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	attempt, claimed, err := l.store.ClaimSend(ctx, accountID, key, identity)
	if err != nil {
		return nil, err
	}
	if claimed {
		return &Claim{Outcome: ClaimAcquired, Attempt: attempt}, nil
	}

	switch attempt.Status {
	case models.SendStatusSucceeded:
		claim := &Claim{Outcome: ClaimAlreadySucceeded, Attempt: attempt}
		if len(attempt.Result) > 0 {
			var result models.SendResult
			if err := json.Unmarshal(attempt.Result, &result); err != nil {
				return nil, fmt.Errorf("failed to decode cached send result: %w", err)
			}
			claim.Result = &result
		}
		metrics.Sends.WithLabelValues("duplicate").Inc()
		return claim, nil
	case models.SendStatusFailed:
		return &Claim{Outcome: ClaimAlreadyFailed, Attempt: attempt}, nil
	default:
		// A queued row we could not claim was claimed by someone else in between.
		return &Claim{Outcome: ClaimInFlight, Attempt: attempt}, nil
	}
}

// FinalizeSendSuccess stores the transport result. A succeeded attempt is final.
func (l *Ledger) FinalizeSendSuccess(ctx context.Context, accountID, key string, result models.SendResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode send result: %w", err)
	}
	if err := l.store.FinalizeSendSuccess(ctx, accountID, key, encoded); err != nil {
		return err
	}
	metrics.Sends.WithLabelValues("succeeded").Inc()
	return nil
}

// FinalizeSendFailure records sendErr. Retriable failures put the attempt back
// to queued for the scheduler's next try; terminal ones mark it failed.
func (l *Ledger) FinalizeSendFailure(ctx context.Context, accountID, key string, sendErr error) (Classification, error) {
	verdict := Classify(sendErr)
	if _, err := l.store.FinalizeSendFailure(ctx, accountID, key, verdict.Message, verdict.Retriable); err != nil {
		return verdict, err
	}
	if verdict.Retriable {
		metrics.Sends.WithLabelValues("retriable").Inc()
	} else {
		metrics.Sends.WithLabelValues("failed").Inc()
	}
	return verdict, nil
}
