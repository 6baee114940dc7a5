package internal

import (
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return err == sql.ErrNoRows
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	switch e := err.(type) {
	case *mysql.MySQLError:
		return e.Number == 1062 // Duplicate key error
	case *pq.Error:
		return e.Code == "23505" // unique_violation
	}
	return false
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	switch e := err.(type) {
	case *mysql.MySQLError:
		// Error 1213: Deadlock found when trying to get lock; try restarting transaction
		return e.Number == 1213
	case *pq.Error:
		return e.Code == "40P01" // deadlock_detected
	}
	return false
}

// IsRetryable returns true for errors worth retrying: deadlocks and
// connections the pool has given up on.
func IsRetryable(err error) bool {
	if err == sql.ErrConnDone {
		return true
	}
	if e, ok := err.(*mysql.MySQLError); ok {
		// 1205: Lock wait timeout exceeded
		return e.Number == 1213 || e.Number == 1205
	}
	return IsDeadlock(err)
}
