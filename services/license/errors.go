package license

import (
	"context"
	"errors"

	"licensing-controlplane/pkg/errutil"
)

var (
	ErrNotFound           = errors.New("license: not found")
	ErrConflict           = errors.New("license: key already exists")
	ErrPreconditionFailed = errors.New("license: precondition failed")
	ErrSuspended          = errors.New("license: suspended")
	ErrKeyExhaustion      = errors.New("license: could not mint a unique key")
	ErrCrypto             = errors.New("license: crypto failure")
	ErrInvalidKeyFormat   = errors.New("license: invalid key format")
	ErrUnknownType        = errors.New("license: unknown type")
	ErrInvalidRequest     = errors.New("license: invalid request")
)

// Reason is the machine readable outcome of a validation or sync request.
type Reason string

const (
	ReasonOK                 Reason = "OK"
	ReasonInvalidKeyFormat   Reason = "INVALID_KEY_FORMAT"
	ReasonInvalidKey         Reason = "INVALID_LICENSE_KEY"
	ReasonNotActive          Reason = "LICENSE_NOT_ACTIVE"
	ReasonExpired            Reason = "LICENSE_EXPIRED"
	ReasonNotYetValid        Reason = "LICENSE_NOT_YET_VALID"
	ReasonMachineMismatch    Reason = "MACHINE_MISMATCH"
	ReasonQuotaExhausted     Reason = "QUOTA_EXHAUSTED"
	ReasonServiceUnavailable Reason = "SERVICE_UNAVAILABLE"
)

var reasonMessages = map[Reason]string{
	ReasonInvalidKeyFormat:   "Invalid license key format",
	ReasonInvalidKey:         "Invalid license key",
	ReasonNotActive:          "License is not active",
	ReasonExpired:            "License has expired",
	ReasonNotYetValid:        "License not yet valid",
	ReasonMachineMismatch:    "License is bound to a different machine",
	ReasonQuotaExhausted:     "You have used all your syncs today",
	ReasonServiceUnavailable: "License service temporarily unavailable, please retry",
}

func (r Reason) Message() string {
	return reasonMessages[r]
}

// Retryable reports whether the same request may succeed later without any
// change on the client side.
func (r Reason) Retryable() bool {
	return r == ReasonServiceUnavailable || r == ReasonQuotaExhausted
}

// Status maps a reason onto the shared status table used by the transports.
func (r Reason) Status() errutil.CoreStatus {
	switch r {
	case ReasonOK:
		return errutil.StatusOK
	case ReasonInvalidKeyFormat:
		return errutil.StatusBadRequest
	case ReasonQuotaExhausted:
		return errutil.StatusTooManyRequests
	case ReasonServiceUnavailable:
		return errutil.StatusServiceUnavailable
	default:
		return errutil.StatusUnauthorized
	}
}

// isUnavailable separates store and timeout faults, which become a retryable
// verdict, from everything that has to be escalated.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCrypto) || errors.Is(err, ErrKeyExhaustion) {
		return false
	}
	return true
}

// toServiceError converts internal faults into errutil errors for callers
// outside the package.
func toServiceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return errutil.NotFound("license not found", err)
	case errors.Is(err, ErrUnknownType):
		return errutil.BadRequest("unknown license type", err)
	case errors.Is(err, ErrInvalidRequest):
		return errutil.BadRequest("invalid license request", err)
	case errors.Is(err, ErrSuspended):
		return errutil.Forbidden("license is suspended", err)
	case errors.Is(err, ErrCrypto):
		return errutil.Internal("license keys cannot be verified", err)
	case errors.Is(err, ErrKeyExhaustion):
		return errutil.Internal("failed to generate unique license key", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errutil.ServiceUnavailable("license store timed out", err)
	default:
		return errutil.Internal("license operation failed", err)
	}
}
