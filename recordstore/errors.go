package recordstore

import "fmt"

var (
	ErrWriteConflict = addPrefix("write conflict")
	ErrBadValue      = addPrefix("bad value")
	ErrNotFound      = addPrefix("record not found")
	ErrShuttingDown  = addPrefix("record store is shutting down")
)

func addPrefix(errStr string) error {
	return fmt.Errorf("recordstore err: %s", errStr)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("recordstore err: %s: %w", op, err)
}
