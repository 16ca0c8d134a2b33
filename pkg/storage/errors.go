package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/taxsync/pkg/core"
)

var connectionErrorFragments = []string{
	"database is closed",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"server closed the connection",
	"too many clients",
	"database is locked",
	"i/o timeout",
}

// classify wraps a driver error with the operation name and marks
// connectivity failures as core.ErrBrokerUnavailable.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := errors.Wrap(err, op)
	if isConnectionError(err) {
		return errors.Mark(wrapped, core.ErrBrokerUnavailable)
	}
	return wrapped
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range connectionErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
