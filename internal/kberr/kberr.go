// Package kberr defines the error taxonomy shared by both services.
//
// Every failure that crosses a package boundary is classified with a Kind so
// the HTTP layer can map it to a status code without inspecting messages.
package kberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API mapping and logging.
type Kind int

const (
	// Internal is the zero kind: an unclassified server-side failure.
	Internal Kind = iota
	// BadInput marks malformed or semantically invalid client input.
	BadInput
	// NotFound marks a missing entity.
	NotFound
	// Conflict marks a uniqueness or state violation.
	Conflict
	// Unauthorized marks a missing or wrong credential.
	Unauthorized
	// ConfigError marks unusable organization or process configuration.
	ConfigError
	// StorageError marks catalog or vector-store failures.
	StorageError
	// EmbeddingError marks an embedding provider failure.
	EmbeddingError
	// ProviderError marks an LLM provider failure.
	ProviderError
	// PluginError marks a failure inside an ingestion or query plugin.
	PluginError
)

func (k Kind) String() string {
	switch k {
	case BadInput:
		return "bad_input"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Unauthorized:
		return "unauthorized"
	case ConfigError:
		return "config_error"
	case StorageError:
		return "storage_error"
	case EmbeddingError:
		return "embedding_error"
	case ProviderError:
		return "provider_error"
	case PluginError:
		return "plugin_error"
	}
	return "internal"
}

// Error is a classified error. Msg is safe to return to clients; Err carries
// the underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from anywhere in err's chain. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the client-safe message of a classified error, or a generic
// one for unclassified errors.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal server error"
}

// HTTPStatus maps an error's kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case BadInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	case ConfigError, PluginError:
		return http.StatusBadRequest
	case EmbeddingError, ProviderError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
