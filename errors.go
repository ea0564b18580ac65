package familyvault

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrVaultNotFound            = errors.New("vault not found")
	ErrItemNotFound             = errors.New("item not found")
	ErrUserNotAuthorized        = errors.New("user not authorized")
	ErrEncryptionFailed         = errors.New("encryption failed")
	ErrDecryptionFailed         = errors.New("decryption failed")
	ErrStorageFailure           = errors.New("storage failure")
	ErrSecureEnclaveUnavailable = errors.New("secure enclave unavailable")
	ErrKeyDerivationFailed      = errors.New("key derivation failed")
	ErrInvalidPolicy            = errors.New("invalid access policy")
)

// StorageError carries the detail of a blob or record store failure.
// It matches ErrStorageFailure with errors.Is.
type StorageError struct {
	Op     string
	Detail string
	Err    error
}

func (e *StorageError) Error() string {
	msg := "storage failure"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// NewStorageError wraps err as a StorageError. Errors that already carry a
// vault or item miss are returned unchanged so callers can still match them.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrVaultNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// RetryableError marks a recoverable collaborator failure. After is a hint,
// zero when the collaborator gave none.
type RetryableError struct {
	After time.Duration
	Err   error
}

func (e *RetryableError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
	}
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RetryAfter reports whether err is recoverable and the suggested delay
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.After, true
	}
	return 0, false
}
