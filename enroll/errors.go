package enroll

import "errors"

// Client errors; never retried by the server
var (
	ErrForbidden          = errors.New("only services can enroll for jobs")
	ErrInvalidTopic       = errors.New("invalid source topic")
	ErrInvalidTargetTopic = errors.New("invalid target topic")
	ErrInvalidFilter      = errors.New("invalid filter")
	ErrInvalidRequest     = errors.New("invalid enroll request")
)

// ErrUnavailable is transient: pool headroom was low or claim conflicts persisted
var ErrUnavailable = errors.New("enrollment unavailable")

// ErrNoWork means no candidate matched. It is an expected outcome, not a failure.
var ErrNoWork = errors.New("no work available")

// IsClientError reports whether err is caused by the request itself
func IsClientError(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidTopic) ||
		errors.Is(err, ErrInvalidTargetTopic) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrInvalidRequest)
}
