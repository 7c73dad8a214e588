package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited means the hosting API quota is exhausted and the job
	// should be deferred.
	ErrRateLimited           = errors.New("hosting api rate limited")
	ErrRepositoryUnavailable = errors.New("repository unavailable")
	ErrScannerUnavailable    = errors.New("scanner unavailable")
	ErrAssetFetchFailed      = errors.New("asset fetch failed")
	ErrNotFound              = errors.New("not found")
	ErrAuth                  = errors.New("authentication failed")
)

// RateLimitError carries the time the hosting API quota resets, when known.
type RateLimitError struct {
	ResetAt time.Time
	Err     error
}

func (e *RateLimitError) Error() string {
	msg := ErrRateLimited.Error()
	if !e.ResetAt.IsZero() {
		msg = fmt.Sprintf("%s until %s", msg, e.ResetAt.UTC().Format(time.RFC3339))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func (e *RateLimitError) Unwrap() error { return e.Err }

// ResetTime extracts the quota reset time from err, if it carries one.
func ResetTime(err error) (time.Time, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && !rl.ResetAt.IsZero() {
		return rl.ResetAt, true
	}
	return time.Time{}, false
}
