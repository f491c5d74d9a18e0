package httpintercept

import (
	"context"
	"net/http"
)

// RequestHeadHook may inspect and rewrite a request's URL/headers before
// the body is read. Installing only this hook keeps the body streaming
// (spec.md §3).
type RequestHeadHook interface {
	OnRequestHead(ctx context.Context, req *HttpRequest) error
}

// RequestHook receives the request after its body has been fully buffered.
// This is a distinct interface from RequestHeadHook — not a flag on it —
// because installing it changes the streaming contract for the whole
// request (design note: "a contract, not a flag").
type RequestHook interface {
	OnRequest(ctx context.Context, req *HttpRequest) error
}

// ResponseHook observes the upstream response before it's streamed back to
// the guest.
type ResponseHook interface {
	OnResponse(ctx context.Context, resp *http.Response) error
}

// Hooks bundles the optional callbacks an Interceptor consults. Each is
// independently nil-able.
type Hooks struct {
	RequestHead RequestHeadHook
	Request     RequestHook
	Response    ResponseHook
}
