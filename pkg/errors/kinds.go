package errors

// Error kinds shared by the pipeline components.
const (
	KindConnection         = "ConnectionError"
	KindConnectionTimeout  = "ConnectionTimeout"
	KindParse              = "ParseError"
	KindDataQuality        = "DataQualityError"
	KindRateLimit          = "RateLimitError"
	KindQueueFull          = "QueueFullError"
	KindReconnectExhausted = "ReconnectExhaustedError"
	KindUnknownSource      = "UnknownSource"
	KindLimiterClosed      = "LimiterClosed"
	KindNotFound           = "NotFound"
	KindInvalid            = "Invalid"
	KindCircuitOpen        = "CircuitOpenError"
)

var (
	// ConnectionError is a transport level failure, recoverable via reconnect.
	ConnectionError = NewWithKind(KindConnection)
	// ConnectionTimeout means no handshake completed within the configured timeout.
	ConnectionTimeout = NewWithKind(KindConnectionTimeout)
	// ParseError is a malformed frame or payload; dropped and counted.
	ParseError = NewWithKind(KindParse)
	// DataQualityError is a tick below its source's reliability threshold.
	DataQualityError = NewWithKind(KindDataQuality)
	// RateLimitError is provider throttling or an exhausted budget.
	RateLimitError = NewWithKind(KindRateLimit)
	// QueueFullError rejects a request because the admission queue is at capacity.
	QueueFullError = NewWithKind(KindQueueFull)
	// ReconnectExhaustedError is fatal for one connection: no further automatic retries.
	ReconnectExhaustedError = NewWithKind(KindReconnectExhausted)
	// UnknownSource is a tick from a source that is not configured or not enabled.
	UnknownSource = NewWithKind(KindUnknownSource)
	// LimiterClosed rejects requests submitted to, or queued in, a closed limiter.
	LimiterClosed = NewWithKind(KindLimiterClosed)
	// NotFound is a lookup miss.
	NotFound = NewWithKind(KindNotFound)
	// Invalid is a bad argument.
	Invalid = NewWithKind(KindInvalid)
	// CircuitOpen rejects calls to an upstream whose circuit breaker is open.
	CircuitOpen = NewWithKind(KindCircuitOpen)
)

// IsRecoverable reports whether err is handled locally by the pipeline
// (logged and counted) instead of being surfaced to callers.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindConnectionTimeout, KindParse, KindDataQuality, KindRateLimit, KindUnknownSource:
		return true
	}
	return false
}
