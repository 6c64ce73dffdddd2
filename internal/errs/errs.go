// Package errs holds the error taxonomy shared by the editing engine.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrNoSelection          = errors.New("no section selected")
	ErrUnknownTarget        = errors.New("unknown editor target")
	ErrInactive             = errors.New("editor is not active")
)

// ValidationError is malformed operator input. It is raised before any
// network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// UploadError is a storage failure during an image upload. The optimistic
// preview has already been reverted when it is returned.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func Upload(path string, err error) error {
	return &UploadError{Path: path, Err: err}
}

// PublishError is a persistence failure. Unpublished state is left as it was.
type PublishError struct {
	Path string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Path, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func Publish(path string, err error) error {
	return &PublishError{Path: path, Err: err}
}

// SyncWarning reports a failed best-effort record sync.
type SyncWarning struct {
	Key string
	Err error
}

func (w *SyncWarning) Error() string {
	return fmt.Sprintf("sync %s: %v", w.Key, w.Err)
}

func (w *SyncWarning) Unwrap() error { return w.Err }

func Sync(key string, err error) error {
	return &SyncWarning{Key: key, Err: err}
}
