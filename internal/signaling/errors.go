package signaling

import "errors"

// Errors surfaced to clients as error frames. The wire message is the error
// text verbatim, so keep these stable.
var (
	ErrUnauthorized      = errors.New("not authorized for this device")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceOffline     = errors.New("device is offline")
	ErrSessionNotFound   = errors.New("unknown session")
	ErrViewerGone        = errors.New("viewer disconnected")
	errTransientInternal = errors.New("temporary failure, try again")
)

// clientMessage maps a handler error to the text carried in the error frame.
// Anything unrecognized is reported as transient so store and network
// internals never leak to clients.
func clientMessage(err error) string {
	for _, known := range []error{
		ErrUnauthorized,
		ErrDeviceNotFound,
		ErrDeviceOffline,
		ErrSessionNotFound,
		ErrViewerGone,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, errMalformedFrame) {
		return errMalformedFrame.Error()
	}
	return errTransientInternal.Error()
}
