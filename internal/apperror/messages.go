package apperror

// messages maps error codes to human-readable messages
var messages = map[Code]string{
	// General validation
	CodeInvalidInput:  "Invalid input provided",
	CodeInvalidFormat: "Invalid data format",
	CodeInvalidState:  "Invalid state for this operation",
	CodeNotFound:      "Resource not found",

	// Configuration
	CodeConfigurationError: "Configuration error",

	// External service errors
	CodeExternalServiceError: "External service error",
	CodeServiceTimeout:       "Service request timeout",
	CodeServiceUnavailable:   "Service temporarily unavailable",

	// System errors
	CodeInternalError: "Internal server error",
	CodeUnknownError:  "An unknown error occurred",

	// WebSocket transport errors
	CodeWebSocketConnectionError: "WebSocket connection error",
	CodeWebSocketClosed:          "WebSocket connection closed",
	CodeWebSocketSendError:       "Failed to send WebSocket message",
	CodeWebSocketBinaryFrame:     "Unexpected binary WebSocket frame",

	// Venue listener errors
	CodeVenueConnectionFailed:  "Failed to connect to venue",
	CodeVenueSubscribeFailed:   "Failed to subscribe to venue channel",
	CodeVenueSubscribeRejected: "Venue rejected the subscription",
	CodeSnapshotDecodeFailed:   "Failed to decode orderbook snapshot",
	CodeVenueReconnectRequest:  "Venue requested a reconnect",

	// Pipeline errors
	CodeUpdateChannelClosed: "Orderbook update channel closed",
	CodeValueOutOfRange:     "Value not representable on the wire",
	CodeSubscriberClosed:    "Subscriber stream closed",

	// Circuit breaker errors
	CodeCircuitOpen: "Circuit breaker is open",
}
