package execution

import "github.com/google/uuid"

// Envelope is the uniform response body. Data is null on failure.
type Envelope struct {
	ExecutionID     string    `json:"executionId"`
	OK              bool      `json:"ok"`
	FailClass       FailClass `json:"failClass"`
	UserSafeMessage string    `json:"userSafeMessage"`
	Data            any       `json:"data"`
}

// NewID allocates an execution id.
func NewID() string {
	return uuid.NewString()
}

func Success(executionID, message string, data any) Envelope {
	return Envelope{
		ExecutionID:     executionID,
		OK:              true,
		FailClass:       OK,
		UserSafeMessage: message,
		Data:            data,
	}
}

func Fail(executionID string, class FailClass, message string) Envelope {
	return Envelope{
		ExecutionID:     executionID,
		OK:              false,
		FailClass:       class,
		UserSafeMessage: message,
	}
}
