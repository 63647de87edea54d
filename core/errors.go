package core

import (
	"errors"
	"fmt"
)

// ConfigError blocks server start. Nothing is driven on top of a broken
// configuration.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
	}
	return "config: " + e.Reason
}

// ChallengeIOError is a filesystem failure while writing or reading a
// challenge token.
type ChallengeIOError struct {
	Domain string
	Err    error
}

func (e *ChallengeIOError) Error() string {
	return fmt.Sprintf("challenge store: %s: %v", e.Domain, e.Err)
}

func (e *ChallengeIOError) Unwrap() error {
	return e.Err
}

// ProtocolError is a rejection from the ACME CA. Retryable rejections (rate
// limits) carry the CA's requested delay in RetryAfter seconds.
type ProtocolError struct {
	Domain     string
	Type       string
	Detail     string
	Retryable  bool
	RetryAfter int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("acme: %s: %s (%s)", e.Domain, e.Detail, e.Type)
}

// ValidationTimeoutError means the CA never confirmed the challenge within
// the wait bound. Transient, standard backoff applies.
type ValidationTimeoutError struct {
	Domain string
}

func (e *ValidationTimeoutError) Error() string {
	return fmt.Sprintf("acme: %s: validation not confirmed in time", e.Domain)
}

// StorageError is a certificate store write or rename failure. The previous
// certificate stays active.
type StorageError struct {
	Domain string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cert store: %s: %s: %v", e.Domain, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an issuance failure should go through the
// regular backoff schedule or into a long backoff.
func IsRetryable(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return true
}
