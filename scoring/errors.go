package scoring

import (
	"fmt"

	"github.com/teranos/taxscore/errors"
)

// ErrInvalidModel marks a model rejected at load time
var ErrInvalidModel = errors.Mark(errors.New("invalid scoring model"), errors.ErrInvalidRequest)

// ErrAttributeNotFound marks an evaluation that referenced a path missing from the context
var ErrAttributeNotFound = errors.New("attribute not found")

// ValidationError locates a structural problem in a model file. Pointer is
// the JSON pointer (RFC 6901) of the offending node, "" for the root.
type ValidationError struct {
	Pointer string
	Reason  string
}

func (e *ValidationError) Error() string {
	pointer := e.Pointer
	if pointer == "" {
		pointer = "/"
	}
	return fmt.Sprintf("invalid scoring model at %s: %s", pointer, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidModel) match any *ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidModel || target == errors.ErrInvalidRequest
}

// AttributeNotFoundError names the missing path
type AttributeNotFoundError struct {
	Path string
}

func (e *AttributeNotFoundError) Error() string {
	return fmt.Sprintf("attribute %q not found", e.Path)
}

// Is lets errors.Is(err, ErrAttributeNotFound) match any *AttributeNotFoundError
func (e *AttributeNotFoundError) Is(target error) bool {
	return target == ErrAttributeNotFound
}

// IsAttributeNotFound reports whether err is a missing-attribute evaluation failure
func IsAttributeNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrAttributeNotFound)
}
