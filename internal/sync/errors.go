package sync

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how a pass should react to them
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is a missing or invalid input, fatal before any network call
	KindConfig
	// KindProvider is a mail provider API failure
	KindProvider
	// KindStorage is a blob or document store failure
	KindStorage
	// KindCredential is a token load, refresh or exchange failure
	KindCredential
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProvider:
		return "provider"
	case KindStorage:
		return "storage"
	case KindCredential:
		return "credential"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound       = errors.New("not found")
	ErrStateNotFound  = errors.New("sync state not found")
	ErrNoWatermark    = errors.New("no start history id and no stored checkpoint")
	ErrAlreadyRunning = errors.New("sync already running")
	ErrNotRunning     = errors.New("no sync running")
)

// Error is a tagged error carrying its Kind and the failing operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError tags err with kind. A nil err stays nil.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost tagged error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a later pass may succeed without operator action
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProvider, KindStorage:
		return true
	default:
		return false
	}
}
