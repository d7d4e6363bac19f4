package fetcher

import "fmt"

type Kind string

const (
	KindNetwork       Kind = "network"
	KindAuthFailure   Kind = "auth_failure"
	KindProviderError Kind = "provider_error"
	KindRateLimited   Kind = "rate_limited"
)

type FetchError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s (status %d): %v", e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch %s (status %d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s", e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. A rejected
// credential will not fix itself.
func (e *FetchError) Retryable() bool {
	return e.Kind != KindAuthFailure
}
