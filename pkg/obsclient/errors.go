package obsclient

import "fmt"

// ErrHTTP is returned for any non-2xx response that was not itself retried
// to exhaustion as a TransientNetwork error (i.e. permanent HTTP failures).
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrBackend wraps a BackendContract-class failure: an HTTP 4xx other than
// 429, surfaced to the caller once the 405-fallback chain has been
// exhausted.
type ErrBackend struct {
	Status int
	Body   string
}

func (e *ErrBackend) Error() string {
	return fmt.Sprintf("backend contract error, status %d: %s", e.Status, e.Body)
}

// ErrRateLimited marks a request that was retried past max_retries while
// repeatedly receiving HTTP 429.
type ErrRateLimited struct {
	Attempts int
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited by backend after %d attempts", e.Attempts)
}
