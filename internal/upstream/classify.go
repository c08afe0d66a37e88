package upstream

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
)

// Classify maps a connect or receive error onto the failure class that
// selects its backoff schedule. Timeouts are checked before the generic
// network cases because a timed-out dial also surfaces as a net.OpError.
func Classify(err error) domain.FailureClass {
	if err == nil {
		return domain.FailureUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.FailureTimeout
	}

	if errors.Is(err, websocket.ErrBadHandshake) {
		return domain.FailureBadStatus
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return domain.FailureNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.FailureNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.FailureNetwork
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return domain.FailureNetwork
	}

	return domain.FailureUnknown
}
