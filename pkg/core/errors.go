package core

import (
	"errors"
	"strings"
)

var (
	ErrLockHeld           = errors.New("dealpipe: execution lock held by another run")
	ErrDuplicateRun       = errors.New("dealpipe: duplicate run for idempotency key")
	ErrRecordNotPending   = errors.New("dealpipe: idempotency record is not pending")
	ErrCircuitOpen        = errors.New("dealpipe: circuit open")
	ErrCallBudgetExceeded = errors.New("dealpipe: call budget exceeded for window")
	ErrInvalidName        = errors.New("dealpipe: invalid name (must be alphanumeric with . _ - :, max 255 chars)")
	ErrUnknownSwitch      = errors.New("dealpipe: unknown kill switch")
)

// MaxErrorMessageLength bounds error text stored in coordination rows.
const MaxErrorMessageLength = 1000

// MaxNameLength bounds operation, engine, and entity identifiers.
const MaxNameLength = 255

// SanitizeErrorMessage truncates error text for storage and strips control
// characters that could corrupt log lines or table output.
func SanitizeErrorMessage(msg string) string {
	msg = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, msg)
	if len(msg) > MaxErrorMessageLength {
		msg = msg[:MaxErrorMessageLength] + "...(truncated)"
	}
	return msg
}

// ValidateName checks an operation, engine, or entity identifier.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return ErrInvalidName
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == ':':
		default:
			return ErrInvalidName
		}
	}
	return nil
}
