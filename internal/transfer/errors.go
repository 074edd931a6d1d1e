package transfer

import "fmt"

// TransferError represents a failure while streaming a demo to storage: remote
// errors (non-200 responses, connection failures) and local I/O errors alike.
type TransferError struct {
	Operation  string // The step that failed (e.g., "fetch", "write", "rename")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("transfer error during %s: %s", e.Operation, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
