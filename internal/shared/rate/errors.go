package rate

import "errors"

var ErrStopped = errors.New("rate limiter stopped")
