package model

import "errors"

// Error taxonomy shared across the router, store, registry, and
// reconciler. Handler paths wrap these with fmt.Errorf("...: %w", err)
// so errors.Is keeps working up the call stack.
var (
	ErrMalformedMessage          = errors.New("malformed message")
	ErrUnknownEvent              = errors.New("unknown event")
	ErrUnknownRecipient          = errors.New("unknown recipient")
	ErrDuplicateRegistration     = errors.New("duplicate registration")
	ErrMissingRelatedTransaction = errors.New("missing related transaction")
	ErrNotFound                  = errors.New("not found")
)
