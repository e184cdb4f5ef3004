package nonce

import "fmt"

var (
	// ErrLockReleased is returned when a nonce lock is released more than once
	ErrLockReleased = fmt.Errorf("nonce lock already released")

	// ErrNetworkNonce is returned when the network transaction count could not be read
	ErrNetworkNonce = fmt.Errorf("couldn't get network nonce")
)
