package errs

// Wire status codes. 4000-4099 is the fatal service range shared with the
// WebSocket close-code policy: a status there tells the client to stop
// reconnecting and reauthenticate.
const (
	CodeOK               = 200
	CodeUnauthorized     = 401
	CodeRouteNotFound    = 404
	CodeValidationFailed = 422
	CodeRateLimited      = 429
	CodeInternal         = 500

	// Service-reserved range: statuses here are not HTTP statuses and map
	// to 401 when answered over plain HTTP.
	CodeServiceRangeStart = 4000
	CodeSessionExpired    = 4001
)

var (
	ErrUnauthorized     = NewCodeError(CodeUnauthorized, "unauthorized")
	ErrRouteNotFound    = NewCodeError(CodeRouteNotFound, "route not found")
	ErrValidationFailed = NewCodeError(CodeValidationFailed, "validation failed")
	ErrRateLimited      = NewCodeError(CodeRateLimited, "too many requests")
	ErrInternal         = NewCodeError(CodeInternal, "internal server error")
	ErrSessionExpired   = NewCodeError(CodeSessionExpired, "session expired")
)
