// Package channel holds the delivery adapters the dispatcher sends through.
//
// An adapter either accepts a message (Send returns nil) or rejects it
// with a *Rejection that says whether a later retry can succeed.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// Message is one rendered notification for one address
type Message struct {
	Address  string
	Subject  string
	Body     string
	Priority models.Severity
	// Alert and Trigger are carried for adapters that publish structured events
	Alert   *models.Alert
	Trigger models.Trigger
}

// Adapter delivers messages on one channel
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) error
}

// Rejection is a refusal by a provider to deliver a message
type Rejection struct {
	Code      string
	Message   string
	Temporary bool
}

func (r *Rejection) Error() string {
	kind := "permanent"
	if r.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s rejection %s: %s", kind, r.Code, r.Message)
}

// Temporary rejects a message in a way a retry can fix
func Temporary(code, msg string) *Rejection {
	return &Rejection{Code: code, Message: msg, Temporary: true}
}

// Permanent rejects a message for good
func Permanent(code, msg string) *Rejection {
	return &Rejection{Code: code, Message: msg}
}

// Classify reports whether err is worth retrying. Rejections carry their
// own verdict; cancellations are not retried; anything else is assumed to
// be a transient transport fault.
func Classify(err error) (temporary bool) {
	if err == nil {
		return false
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Temporary
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
