package ledger

import (
	"database/sql/driver"
	"errors"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsTransient reports whether err is a lock contention or dropped connection
// error that is expected to clear when the operation is retried. Schema,
// query and closed-database errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		// Extended result codes carry the primary code in the low byte.
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
