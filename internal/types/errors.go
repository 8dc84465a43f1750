package types

import (
	"errors"
	"fmt"
)

var (
	ErrUserCancelled      = errors.New("user cancelled")
	ErrAdapter            = errors.New("identity adapter error")
	ErrNoNodesAvailable   = errors.New("no share nodes available")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrAccountMismatch    = errors.New("recovered key does not match account")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrNoLocalShare       = errors.New("no local share")
	ErrStorage            = errors.New("storage error")
	ErrNotFound           = errors.New("not found")
	ErrNoWalletInfo       = errors.New("no wallet info detected")
	ErrShareVerification  = errors.New("pushed shares do not reconstruct the secret")
)

// Failure records the lifecycle state an operation was in when it failed.
type Failure struct {
	State string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.State, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// UserMessage maps an error to the remediation text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserCancelled):
		return "Sign-in was cancelled."
	case errors.Is(err, ErrAdapter):
		return "Sign-in failed, please try again."
	case errors.Is(err, ErrNoNodesAvailable):
		return "Recovery service is unavailable, please try again later."
	case errors.Is(err, ErrInsufficientShares):
		return "Not enough shares could be collected to restore the wallet. Check your connection and try again."
	case errors.Is(err, ErrAccountMismatch):
		return "The restored key does not belong to this account. Do not retry; contact support before using this wallet."
	case errors.Is(err, ErrInvalidKeyMaterial):
		return "The restored key is invalid."
	case errors.Is(err, ErrNoLocalShare):
		return "No share for this wallet is stored on this device."
	case errors.Is(err, ErrNoWalletInfo):
		return "No wallet is linked to this account."
	case errors.Is(err, ErrShareVerification):
		return "The recovery service returned inconsistent data, please try again."
	case errors.Is(err, ErrStorage):
		return "Could not access secure storage."
	default:
		return "Something went wrong."
	}
}
