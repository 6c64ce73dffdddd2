package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection reset")

	wrapped := fmt.Errorf("editor: %w", Upload("pages/home/abc.png", cause))
	var uploadErr *UploadError
	if !errors.As(wrapped, &uploadErr) {
		t.Fatalf("errors.As(UploadError) failed for %v", wrapped)
	}
	if uploadErr.Path != "pages/home/abc.png" || !errors.Is(wrapped, cause) {
		t.Fatalf("unexpected upload error: %+v", uploadErr)
	}

	publishErr := Publish("/index.html", cause)
	if !errors.Is(publishErr, cause) {
		t.Fatal("PublishError should unwrap to its cause")
	}

	warning := Sync("/projects/alpha.html", cause)
	var syncWarning *SyncWarning
	if !errors.As(warning, &syncWarning) || syncWarning.Key != "/projects/alpha.html" {
		t.Fatalf("unexpected sync warning: %v", warning)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	if got := Validation("url", "must be absolute").Error(); got != "url: must be absolute" {
		t.Fatalf("Error() = %q", got)
	}
	if got := Validation("", "title is required").Error(); got != "title is required" {
		t.Fatalf("Error() = %q", got)
	}
}
