package vectorindex

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when a query asks for zero or fewer neighbors.
	ErrInvalidK = errors.New("k must be positive")

	// ErrCorruptIndex is returned when the persisted vector file and metadata disagree.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrInvalidUsername is returned for usernames that cannot name an index file.
	ErrInvalidUsername = errors.New("invalid username")
)

// ErrDimensionMismatch reports a vector whose length differs from the store's fixed dimension.
// It means the deployed embedding model does not match the persisted index.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// IsDimensionMismatch reports whether err wraps an *ErrDimensionMismatch.
func IsDimensionMismatch(err error) bool {
	var target *ErrDimensionMismatch
	return errors.As(err, &target)
}
