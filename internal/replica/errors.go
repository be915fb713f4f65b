package replica

import (
	"errors"
	"fmt"
)

// ErrUnknownCalendar is returned when a write references a calendar that is
// not in the replica.
var ErrUnknownCalendar = errors.New("unknown calendar")

// StoreError reports a disk or schema failure. The last committed snapshot
// is unaffected by a failed write.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("replica %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err came from the replica.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
