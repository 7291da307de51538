package core

import "errors"

var (
	// ErrInvalidSignature is returned when the caller cannot be recovered.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidNonce is returned when the call nonce differs from the
	// sender's account nonce.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrInvalidTransaction covers malformed calls: unknown type, bad
	// payload, value attached to a non-payable entry point.
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrNodeClosed is returned after Close.
	ErrNodeClosed = errors.New("node closed")
)
