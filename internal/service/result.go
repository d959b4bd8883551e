package service

// ErrorKind is a stable, machine-readable failure classifier.
type ErrorKind string

const (
	ErrMissingName         ErrorKind = "MISSING_NAME"
	ErrMissingLevels       ErrorKind = "MISSING_LEVELS"
	ErrMissingApprovers    ErrorKind = "MISSING_APPROVERS"
	ErrInvalidApprover     ErrorKind = "INVALID_APPROVER"
	ErrDuplicateLevelOrder ErrorKind = "DUPLICATE_LEVEL_ORDER"
	ErrPendingRuleNotFound ErrorKind = "PENDING_RULE_NOT_FOUND"
	ErrUnauthorized        ErrorKind = "UNAUTHORIZED"
	ErrRuleNotFound        ErrorKind = "RULE_NOT_FOUND"
	ErrInternal            ErrorKind = "INTERNAL_ERROR"
)

// Result is the envelope returned by every lifecycle operation.
type Result struct {
	Success              bool      `json:"success"`
	Message              string    `json:"message"`
	Data                 any       `json:"data,omitempty"`
	Error                ErrorKind `json:"error,omitempty"`
	RequiresConfirmation bool      `json:"requiresConfirmation,omitempty"`
	Token                string    `json:"token,omitempty"`
}

func ok(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

func fail(kind ErrorKind, message string) Result {
	return Result{Success: false, Error: kind, Message: message}
}

func needsConfirmation(message, token string, data any) Result {
	return Result{
		Success:              true,
		Message:              message,
		Data:                 data,
		RequiresConfirmation: true,
		Token:                token,
	}
}
