package reudp

import "github.com/1ureka/reudp/internal/engine"

// Errors returned from Send and SendTo. Construction failures (unbindable
// address, bad configuration) are returned from New as wrapped errors
// rather than sentinels.
var (
	// ErrPayloadTooLarge rejects a payload that, with the header, exceeds
	// the configured buffer size. Recoverable: re-chunk and resend.
	ErrPayloadTooLarge = engine.ErrPayloadTooLarge

	// ErrUnknownPeer reports a send to an address with no live session —
	// in client mode this means the server was evicted for silence and the
	// session is effectively over until it speaks again.
	ErrUnknownPeer = engine.ErrUnknownPeer

	// ErrClosed reports use of a handle after Close.
	ErrClosed = engine.ErrClosed
)
