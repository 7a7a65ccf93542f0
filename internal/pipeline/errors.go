package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/kvoss/ccproxy/internal/anthropic"
	"github.com/kvoss/ccproxy/internal/ccerrors"
)

// ClassifyError maps a pipeline-returned error into the Anthropic error
// vocabulary and the HTTP status the server should respond with.
func ClassifyError(err error) (int, anthropic.ErrorBody) {
	var valErr *ccerrors.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest, anthropic.NewErrorBody(anthropic.ErrInvalidRequest, valErr.Error())
	}

	switch {
	case errors.Is(err, ccerrors.ErrUnknownModel):
		return http.StatusNotFound, anthropic.NewErrorBody(anthropic.ErrNotFound, err.Error())
	case errors.Is(err, ccerrors.ErrUnauthenticated):
		return http.StatusUnauthorized, anthropic.NewErrorBody(anthropic.ErrAuthentication, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, anthropic.NewErrorBody(anthropic.ErrTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, anthropic.NewErrorBody(anthropic.ErrTimeout, err.Error())
	}

	var rle *ccerrors.RateLimitedError
	if errors.As(err, &rle) {
		return http.StatusTooManyRequests, anthropic.NewErrorBody(anthropic.ErrRateLimit, err.Error())
	}

	var overloaded *ccerrors.OverloadedError
	if errors.As(err, &overloaded) {
		return http.StatusServiceUnavailable, anthropic.NewErrorBody(anthropic.ErrOverloaded, err.Error())
	}

	var upstreamErr *ccerrors.UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.StatusCode == http.StatusForbidden {
			return http.StatusForbidden, anthropic.NewErrorBody(anthropic.ErrPermission, err.Error())
		}
		return http.StatusBadGateway, anthropic.NewErrorBody(anthropic.ErrAPI, err.Error())
	}

	if errors.Is(err, ccerrors.ErrNoAccounts) {
		return http.StatusServiceUnavailable, anthropic.NewErrorBody(anthropic.ErrOverloaded, err.Error())
	}

	return http.StatusInternalServerError, anthropic.NewErrorBody(anthropic.ErrAPI, err.Error())
}

// RetryAfterSeconds extracts the retry-after hint carried on a rate-limited
// error, for the server to echo as the retry-after response header.
func RetryAfterSeconds(err error) (int, bool) {
	var rle *ccerrors.RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfterSecs > 0 {
		return rle.RetryAfterSecs, true
	}
	return 0, false
}
