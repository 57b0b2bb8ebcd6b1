package syncer

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrorKind groups pass failures by what the user can do about them.
type ErrorKind string

const (
	ErrorAuth     ErrorKind = "auth"
	ErrorNetwork  ErrorKind = "network"
	ErrorProtocol ErrorKind = "protocol"
	ErrorOther    ErrorKind = "other"
)

// ErrRemoteProtocol marks a response from the mail server we could not use.
// Transports wrap it around NO/BAD replies and malformed data.
var ErrRemoteProtocol = errors.New("unexpected response from mail server")

// Classification is the verdict for a failed pass.
type Classification struct {
	Kind ErrorKind
	// Retriable failures are handed back to the job scheduler.
	Retriable bool
	Message   string
}

// ClassifyError decides how a failed pass is reported and whether it is retried.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{Kind: ErrorOther}
	}

	switch {
	case errors.Is(err, models.ErrAuthFailed):
		return Classification{Kind: ErrorAuth, Message: "authentication failed: " + err.Error()}
	case isNetworkError(err):
		return Classification{Kind: ErrorNetwork, Retriable: true, Message: "network error: " + err.Error()}
	case errors.Is(err, ErrRemoteProtocol):
		return Classification{Kind: ErrorProtocol, Message: "protocol error: " + err.Error()}
	default:
		return Classification{Kind: ErrorOther, Retriable: true, Message: err.Error()}
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
