package sendledger

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/models"
)

// retriableSMTPCodes are the 4xx replies worth another attempt later.
var retriableSMTPCodes = map[int]bool{
	421: true, // service not available, closing channel
	450: true, // mailbox unavailable
	451: true, // local error in processing
	452: true, // insufficient storage
	454: true, // temporary authentication failure
}

// Classification is the verdict on a failed delivery.
type Classification struct {
	Retriable bool
	// SMTPCode is the server reply code, zero when the failure happened below SMTP.
	SMTPCode int
	Message  string
}

// Classify decides whether a delivery failure is transient.
// Only transport faults and a short list of SMTP 4xx replies are retried;
// everything else, including unknown errors, is terminal so a message is never sent twice by accident.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return Classification{
			Retriable: retriableSMTPCodes[smtpErr.Code],
			SMTPCode:  smtpErr.Code,
			Message:   err.Error(),
		}
	}

	if errors.Is(err, models.ErrAuthFailed) {
		return Classification{Message: "authentication failed: " + err.Error()}
	}
	if isTransportError(err) {
		return Classification{Retriable: true, Message: "network error: " + err.Error()}
	}
	return Classification{Message: err.Error()}
}

func isTransportError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
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
	return errors.As(err, &netErr) && netErr.Timeout()
}
