package notification

import "errors"

var (
	// ErrTransientChannelFailure marks a failed attempt that will be retried
	ErrTransientChannelFailure = errors.New("transient channel failure")
	// ErrPermanentDeliveryFailure marks an attempt that will not be retried
	ErrPermanentDeliveryFailure = errors.New("permanent delivery failure")
)
