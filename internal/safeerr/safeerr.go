// Package safeerr maps internal errors onto the user-safe taxonomy the
// progress stream reports. Internal error text never crosses the
// boundary: every category carries a fixed, generic message.
package safeerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/internal/tracker"
	"github.com/toolgate/toolgate/internal/validate"
)

// Categories.
const (
	CategoryValidation         = "validation"
	CategoryRateLimit          = "rate_limit"
	CategoryResourceExhaustion = "resource_exhaustion"
	CategoryInjectionDetected  = "injection_detected"
	CategoryStorage            = "storage"
	CategoryInternal           = "internal"
)

// StorageError marks a failure of a backing system (database, object
// storage, CDN). It is distinct from a cache miss by construction:
// misses are store.ErrNotFound, which never becomes a StorageError.
type StorageError struct {
	Op       string // e.g. "bundle_cache.sign_url"
	Resource string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s (%s): %v", e.Op, e.Resource, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Classified is the user-safe rendering of an internal error.
type Classified struct {
	Category  string `json:"category"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

var safeMessages = map[string]string{
	CategoryValidation:         "The request parameters were invalid.",
	CategoryRateLimit:          "Too many requests. Please try again later.",
	CategoryResourceExhaustion: "The request exceeded its execution budget.",
	CategoryStorage:            "A backing service is temporarily unavailable.",
	CategoryInternal:           "Something went wrong. Please try again.",
}

// Classify maps any internal error into a safe category, kind, message,
// and retryable flag. A nil error classifies as internal; callers
// should not classify success paths.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Category: CategoryInternal, Kind: CategoryInternal, Message: safeMessages[CategoryInternal]}
	}

	var fe *validate.FieldError
	if errors.As(err, &fe) {
		return Classified{
			Category:  CategoryValidation,
			Kind:      fe.Kind,
			Message:   safeMessages[CategoryValidation],
			Retryable: false,
		}
	}

	var rle *ratelimit.Error
	if errors.As(err, &rle) {
		return Classified{
			Category:  CategoryRateLimit,
			Kind:      rle.Kind,
			Message:   safeMessages[CategoryRateLimit],
			Retryable: rle.Retryable(),
		}
	}

	var te *tracker.Error
	if errors.As(err, &te) {
		return Classified{
			Category:  CategoryResourceExhaustion,
			Kind:      te.Kind,
			Message:   safeMessages[CategoryResourceExhaustion],
			Retryable: te.Retryable(),
		}
	}

	var se *StorageError
	if errors.As(err, &se) {
		return Classified{
			Category:  CategoryStorage,
			Kind:      CategoryStorage,
			Message:   safeMessages[CategoryStorage],
			Retryable: true,
		}
	}

	if store.IsNotFound(err) {
		// A not-found that escaped to the classifier is a programming
		// slip, not a user problem; keep it generic.
		return Classified{Category: CategoryInternal, Kind: CategoryInternal, Message: safeMessages[CategoryInternal]}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classified{
			Category:  CategoryResourceExhaustion,
			Kind:      tracker.KindToolTimeout,
			Message:   safeMessages[CategoryResourceExhaustion],
			Retryable: true,
		}
	}

	return Classified{
		Category:  CategoryInternal,
		Kind:      CategoryInternal,
		Message:   safeMessages[CategoryInternal],
		Retryable: false,
	}
}
