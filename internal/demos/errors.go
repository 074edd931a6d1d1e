package demos

import "fmt"

// ValidationError reports input the caller has to fix.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConflictError reports a sharecode that was already submitted.
type ConflictError struct {
	Sharecode string
	Err       error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("demo with sharecode %s already exists", e.Sharecode)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an unknown demo or a demo whose file is gone.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// FileRemovalError means the demo file could not be deleted from storage.
type FileRemovalError struct {
	Path string
	Err  error
}

func (e *FileRemovalError) Error() string {
	return fmt.Sprintf("failed to remove demo file %s: %v", e.Path, e.Err)
}

func (e *FileRemovalError) Unwrap() error {
	return e.Err
}

// RecordRemovalError means the demo record could not be deleted.
type RecordRemovalError struct {
	ID  string
	Err error
}

func (e *RecordRemovalError) Error() string {
	return fmt.Sprintf("failed to remove demo record %s: %v", e.ID, e.Err)
}

func (e *RecordRemovalError) Unwrap() error {
	return e.Err
}
