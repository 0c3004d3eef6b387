package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown  ErrorCode = 1
	ErrCodeInternal ErrorCode = 2

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidOrderRequest  ErrorCode = 101
	ErrCodeInvalidConfiguration ErrorCode = 102

	// Data/Quote errors (200-299)
	ErrCodeNoQuote           ErrorCode = 200
	ErrCodeQuoteLookupFailed ErrorCode = 201
	ErrCodePortfolioNotFound ErrorCode = 202
	ErrCodeOrderNotFound     ErrorCode = 203
	ErrCodeUserNotFound      ErrorCode = 204

	// Storage errors (300-399)
	ErrCodeTxBeginFailed   ErrorCode = 300
	ErrCodeTxCommitFailed  ErrorCode = 301
	ErrCodeQueryFailed     ErrorCode = 302
	ErrCodeMigrationFailed ErrorCode = 303

	// Auth errors (400-499)
	ErrCodeUnauthorized       ErrorCode = 400
	ErrCodeTokenInvalid       ErrorCode = 401
	ErrCodeCredentialsInvalid ErrorCode = 402
	ErrCodeEmailTaken         ErrorCode = 403

	// Transport errors (500-599)
	ErrCodeFeedAuthFailed   ErrorCode = 500
	ErrCodeFeedDisconnected ErrorCode = 501
	ErrCodePublishFailed    ErrorCode = 502
)
