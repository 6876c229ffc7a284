package apperror

// Code represents a unique error code for the application
type Code string

// General error codes
const (
	// General validation
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeInvalidFormat Code = "INVALID_FORMAT"
	CodeInvalidState  Code = "INVALID_STATE"
	CodeNotFound      Code = "NOT_FOUND"

	// Configuration
	CodeConfigurationError Code = "CONFIGURATION_ERROR"

	// External service errors
	CodeExternalServiceError Code = "EXTERNAL_SERVICE_ERROR"
	CodeServiceTimeout       Code = "SERVICE_TIMEOUT"
	CodeServiceUnavailable   Code = "SERVICE_UNAVAILABLE"

	// System errors
	CodeInternalError Code = "INTERNAL_ERROR"
	CodeUnknownError  Code = "UNKNOWN_ERROR"
)

// Aggregator-specific error codes
const (
	// WebSocket transport errors
	CodeWebSocketConnectionError Code = "WEBSOCKET_CONNECTION_ERROR"
	CodeWebSocketClosed          Code = "WEBSOCKET_CLOSED"
	CodeWebSocketSendError       Code = "WEBSOCKET_SEND_ERROR"
	CodeWebSocketBinaryFrame     Code = "WEBSOCKET_BINARY_FRAME"

	// Venue listener errors
	CodeVenueConnectionFailed  Code = "VENUE_CONNECTION_FAILED"
	CodeVenueSubscribeFailed   Code = "VENUE_SUBSCRIBE_FAILED"
	CodeVenueSubscribeRejected Code = "VENUE_SUBSCRIBE_REJECTED"
	CodeSnapshotDecodeFailed   Code = "SNAPSHOT_DECODE_FAILED"
	CodeVenueReconnectRequest  Code = "VENUE_RECONNECT_REQUEST"

	// Pipeline errors
	CodeUpdateChannelClosed Code = "UPDATE_CHANNEL_CLOSED"
	CodeValueOutOfRange     Code = "VALUE_OUT_OF_RANGE"
	CodeSubscriberClosed    Code = "SUBSCRIBER_CLOSED"

	// Circuit breaker errors
	CodeCircuitOpen Code = "CIRCUIT_OPEN"
)
