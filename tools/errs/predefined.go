package errs

// Error codes grouped by concern. 1xx ingestion, 2xx sessions,
// 3xx routing/broker, 4xx sync, 5xx outbox.
var (
	ErrArgs           = NewCodeError(100, "invalid argument")
	ErrEmptyContent   = NewCodeError(101, "content required for text message")
	ErrSeqUnavailable = NewCodeError(102, "sequence allocator unavailable")
	ErrStoreFailed    = NewCodeError(103, "message store write failed")
	ErrSessionMissing = NewCodeError(200, "session not found")
	ErrRegistryDown   = NewCodeError(202, "session registry unavailable")
	ErrRouteFailed    = NewCodeError(300, "downstream publish failed")
	ErrNotMember      = NewCodeError(400, "not a conversation member")
	ErrCursorStore    = NewCodeError(401, "cursor store unavailable")
	ErrOutboxTerminal = NewCodeError(500, "outbox record failed terminally")
)
