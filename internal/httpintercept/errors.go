package httpintercept

import "fmt"

// HttpRequestBlockedError is returned when secret-allowlist defense (§4.7
// step 2) or placeholder substitution (§4.7 step 4) refuses to forward a
// request. It is surfaced to the guest as a synthetic 502 response; the
// connection MUST remain usable for keep-alive afterward.
type HttpRequestBlockedError struct {
	Reason string
}

func (e *HttpRequestBlockedError) Error() string {
	return fmt.Sprintf("httpintercept: request blocked: %s", e.Reason)
}

func blocked(format string, args ...any) *HttpRequestBlockedError {
	return &HttpRequestBlockedError{Reason: fmt.Sprintf(format, args...)}
}
