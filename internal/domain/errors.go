package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrDimensionMismatch    = errors.New("dimension mismatch")
	ErrIndexNotFound        = errors.New("index not found")
	ErrEmbedderMismatch     = errors.New("embedder mismatch")
	ErrReplicationFailed    = errors.New("replication failed")
	ErrTransientGeneration  = errors.New("transient generation failure")
	ErrTerminalGeneration   = errors.New("terminal generation failure")
	ErrIngestionInProgress  = errors.New("ingestion in progress")
	ErrCorruptGeneration    = errors.New("corrupt index generation")
	ErrQueryTimeout         = errors.New("query timed out")
	ErrEmptyCorpus          = errors.New("corpus contains no text")
)

// GenerationError is a classified failure from a Generator provider.
type GenerationError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *GenerationError) Error() string {
	if e == nil {
		return ""
	}
	kind := "terminal"
	if e.Retryable {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failure (status %d): %v", e.Provider, kind, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s %s failure: %v", e.Provider, kind, e.Cause)
}

func (e *GenerationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is lets errors.Is match a GenerationError against the transient and
// terminal sentinels.
func (e *GenerationError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrTransientGeneration:
		return e.Retryable
	case ErrTerminalGeneration:
		return !e.Retryable
	}
	return false
}

// RetryableStatus reports whether an HTTP status from a provider is worth
// retrying: request timeouts, rate limiting and 5xx.
func RetryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
