package errutil

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// CoreStatus is the transport-neutral status shared by HTTP and gRPC.
type CoreStatus string

const (
	StatusOK                 CoreStatus = "OK"
	StatusBadRequest         CoreStatus = "BAD_REQUEST"
	StatusUnauthorized       CoreStatus = "UNAUTHORIZED"
	StatusForbidden          CoreStatus = "FORBIDDEN"
	StatusNotFound           CoreStatus = "NOT_FOUND"
	StatusConflict           CoreStatus = "CONFLICT"
	StatusTooManyRequests    CoreStatus = "TOO_MANY_REQUESTS"
	StatusInternal           CoreStatus = "INTERNAL"
	StatusServiceUnavailable CoreStatus = "SERVICE_UNAVAILABLE"
	StatusUnknown            CoreStatus = "UNKNOWN"
)

type mapping struct {
	http int
	grpc codes.Code
}

var statusTable = map[CoreStatus]mapping{
	StatusOK:                 {http.StatusOK, codes.OK},
	StatusBadRequest:         {http.StatusBadRequest, codes.InvalidArgument},
	StatusUnauthorized:       {http.StatusUnauthorized, codes.Unauthenticated},
	StatusForbidden:          {http.StatusForbidden, codes.PermissionDenied},
	StatusNotFound:           {http.StatusNotFound, codes.NotFound},
	StatusConflict:           {http.StatusConflict, codes.AlreadyExists},
	StatusTooManyRequests:    {http.StatusTooManyRequests, codes.ResourceExhausted},
	StatusInternal:           {http.StatusInternalServerError, codes.Internal},
	StatusServiceUnavailable: {http.StatusServiceUnavailable, codes.Unavailable},
}

// HTTPStatus returns the HTTP status code for s. Unknown statuses are 500.
func (s CoreStatus) HTTPStatus() int {
	if m, ok := statusTable[s]; ok {
		return m.http
	}
	return http.StatusInternalServerError
}

// GRPCCode returns the gRPC code for s.
func (s CoreStatus) GRPCCode() codes.Code {
	if m, ok := statusTable[s]; ok {
		return m.grpc
	}
	return codes.Unknown
}

// Retryable reports whether the same request may succeed later unchanged.
func (s CoreStatus) Retryable() bool {
	return s == StatusTooManyRequests || s == StatusServiceUnavailable || s == StatusConflict
}
