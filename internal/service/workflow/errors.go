package workflow

import (
	"errors"
	"strings"
)

// Sentinel errors for the workflow service layer.
var (
	ErrNotFound          = errors.New("workflow not found")
	ErrVersionNotFound   = errors.New("workflow version not found")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutable         = errors.New("published workflow version is immutable")
)

// ValidationError carries every problem found in a definition. It matches
// ErrInvalidDefinition under errors.Is.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidDefinition.Error() + ": " + strings.Join(e.Problems, "; ")
}

// Is lets callers test with errors.Is(err, ErrInvalidDefinition).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}
