package engine

import (
	"context"
	"errors"
)

// ErrElementNotFound is returned by ElementReader when nothing was published under a name.
var ErrElementNotFound = errors.New("element not found")

// TaskDispatcher submits work to the remote executor.
// Submit does not wait for the task to run. The returned correlation id is
// unique per submission; the result is delivered later, out of band.
// An error means nothing was submitted.
type TaskDispatcher interface {
	Submit(ctx context.Context, req *TaskRequest) (correlationID string, err error)
}

// ElementReader reads values published earlier in the same execution.
type ElementReader interface {
	// GetElement returns ErrElementNotFound when the name was never published.
	GetElement(ctx context.Context, namespace, name string) (*Element, error)
}

// ElementStore is the host side of the element mailbox.
type ElementStore interface {
	ElementReader

	// PutElement writes a new version of the element. With ifAbsent it only
	// writes when no version exists and reports whether it wrote.
	PutElement(ctx context.Context, namespace string, write ElementWrite) (bool, error)

	// ListElements returns the latest version of every element in the namespace.
	ListElements(ctx context.Context, namespace string) ([]*Element, error)
}

// Renderer substitutes expressions in configuration strings.
type Renderer interface {
	Render(ctx context.Context, input string, vars map[string]interface{}) (string, error)
}

// NopRenderer returns its input unchanged.
type NopRenderer struct{}

// Render implements Renderer.
func (NopRenderer) Render(_ context.Context, input string, _ map[string]interface{}) (string, error) {
	return input, nil
}
