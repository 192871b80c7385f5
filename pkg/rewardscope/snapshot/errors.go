package snapshot

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// KindTransport: the request could not be made or the server did not
	// answer with a usable response.
	KindTransport Kind = iota
	// KindDecode: the body was not the expected JSON shape.
	KindDecode
	// KindApplication: a well-formed body carried the error flag.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindApplication:
		return "application"
	default:
		return "transport"
	}
}

// Sentinels matched by errors.Is against a *FetchError of the same kind.
var (
	ErrTransport   = errors.New("snapshot: transport error")
	ErrDecode      = errors.New("snapshot: decode error")
	ErrApplication = errors.New("snapshot: application error")
)

// FetchError is returned by every failed fetch.
type FetchError struct {
	Kind     Kind
	Endpoint Endpoint
	Cause    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("snapshot: %s %s: %v", e.Endpoint, e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Is matches the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrDecode:
		return e.Kind == KindDecode
	case ErrApplication:
		return e.Kind == KindApplication
	}
	return false
}

func transportErr(ep Endpoint, cause error) error {
	return &FetchError{Kind: KindTransport, Endpoint: ep, Cause: cause}
}

func decodeErr(ep Endpoint, cause error) error {
	return &FetchError{Kind: KindDecode, Endpoint: ep, Cause: cause}
}

func applicationErr(ep Endpoint, cause error) error {
	return &FetchError{Kind: KindApplication, Endpoint: ep, Cause: cause}
}
