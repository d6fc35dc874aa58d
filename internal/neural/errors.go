package neural

import "fmt"

// Error codes for the neural package
const (
	ErrCodeInvalidConfig = 1
	ErrCodeInvalidSignals = 2
	ErrCodeAlreadyLearning = 3
	ErrCodeInsufficientData = 4
	ErrCodeSnapshotInvalid = 5
	ErrCodeSnapshotCorrupt = 6
)

// NetError is the structured error type for the neural package
type NetError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *NetError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("neural: [%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("neural: [%d] %s", e.Code, e.Message)
}

func NewError(code int, message string, details ...string) error {
	err := &NetError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// Predefined errors
var (
	ErrInvalidConfig    = NewError(ErrCodeInvalidConfig, "invalid network configuration")
	ErrInvalidSignals   = NewError(ErrCodeInvalidSignals, "invalid signal vector")
	ErrAlreadyLearning  = NewError(ErrCodeAlreadyLearning, "learning already in progress")
	ErrInsufficientData = NewError(ErrCodeInsufficientData, "not enough accumulated examples")
	ErrSnapshotInvalid  = NewError(ErrCodeSnapshotInvalid, "snapshot document is structurally invalid")
	ErrSnapshotCorrupt  = NewError(ErrCodeSnapshotCorrupt, "snapshot document is corrupt")
)
