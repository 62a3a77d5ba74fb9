package dashboard

import (
	"errors"
	"net/http"

	"github.com/gaborage/communityassist/fetch"
	"github.com/gaborage/communityassist/server"
	"github.com/gaborage/communityassist/upstream"
)

const noWeatherDataMessage = "No weather data found for this zipcode"

// toAPIError maps an upstream client error onto the response envelope.
// service names the upstream in client-facing messages.
func toAPIError(err error, service string) server.IAPIError {
	switch {
	case errors.Is(err, upstream.ErrCircuitOpen):
		return server.NewServiceUnavailableError(service + " is temporarily unavailable")
	case errors.Is(err, upstream.ErrNotConfigured):
		return server.NewServiceUnavailableError(service + " is not configured")
	}

	var failure *fetch.Failure
	if !errors.As(err, &failure) {
		return server.NewInternalServerError("")
	}

	var apiErr *server.BaseAPIError
	switch failure.Kind {
	case fetch.InvalidShape, fetch.MalformedResponse, fetch.UpstreamClientError:
		if errors.Is(failure, fetch.ErrEmptyPayload) {
			return server.NewBaseAPIError("NOT_FOUND", noWeatherDataMessage, http.StatusNotFound)
		}
		apiErr = server.NewBadGatewayError(service + " returned an invalid response").BaseAPIError
	case fetch.NetworkFailure:
		apiErr = server.NewUpstreamUnavailableError(service+" is unreachable", http.StatusServiceUnavailable).BaseAPIError
	case fetch.RetryExhausted, fetch.UpstreamServerError:
		apiErr = server.NewUpstreamUnavailableError(service+" is unavailable", unavailableStatus(failure.StatusCode)).BaseAPIError
	case fetch.Cancelled:
		apiErr = server.NewServiceUnavailableError("Request cancelled").BaseAPIError
	default:
		return server.NewInternalServerError("")
	}

	return withFailureDetails(apiErr, failure)
}

// unavailableStatus reports 503 when the upstream was unreachable, throttled or
// itself unavailable, and 502 for other upstream errors.
func unavailableStatus(upstreamStatus int) int {
	switch upstreamStatus {
	case 0, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// withFailureDetails attaches fetch diagnostics; they are only rendered in development.
func withFailureDetails(apiErr *server.BaseAPIError, failure *fetch.Failure) server.IAPIError {
	apiErr.WithDetails("kind", string(failure.Kind)).WithDetails("attempts", failure.Attempts)
	if failure.StatusCode != 0 {
		apiErr.WithDetails("upstreamStatus", failure.StatusCode)
	}
	return apiErr
}
