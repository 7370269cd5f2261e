package gate

import (
	"errors"
	"fmt"
)

// Override rejection and failure taxonomy. Every rejection path returns one
// of these sentinels; callers surface them verbatim to the requesting admin.
var (
	ErrUnauthorized      = errors.New("actor lacks override authority")
	ErrValidationFailed  = errors.New("override validation failed")
	ErrStale             = errors.New("phase is no longer pending and blocked")
	ErrAlreadyOverridden = errors.New("gate already overridden")
	ErrNotFound          = errors.New("project phase not found")
	ErrStorage           = errors.New("gate storage failure")
)

func storagef(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorage)
}
