package router

import "net/http"

// RouteError is returned to the caller as an HTTP error envelope.
type RouteError struct {
	StatusCode int
	Message    string
}

func (e RouteError) Error() string {
	return http.StatusText(e.StatusCode) + " : " + e.Message
}

func badRequest(message string) RouteError {
	return RouteError{StatusCode: http.StatusBadRequest, Message: message}
}
