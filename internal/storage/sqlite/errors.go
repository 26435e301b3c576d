package sqlite

import (
	"errors"
	"fmt"

	"github.com/untoldecay/dts/internal/types"
)

// wrapDBError adds operation context to unexpected database errors. Domain
// errors pass through unchanged so callers can match on their codes.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	var derr *types.Error
	if errors.As(err, &derr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
