package internal

import (
	"database/sql"
	"errors"
	"regexp"

	"github.com/go-sql-driver/mysql"
)

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 1062 // Duplicate key error
}

// dupKeyRe extracts the key name from a duplicate key error message,
// e.g. "Duplicate entry 'x' for key 'postpone_queueing_locks.PRIMARY'".
var dupKeyRe = regexp.MustCompile(`for key '([^']+)'`)

// DupKeyName returns the name of the violated key for a duplicate key
// error, or "" if err is not one. MySQL reports the key only in the error
// message, so this is the one place the message gets parsed.
func DupKeyName(err error) string {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != 1062 {
		return ""
	}
	m := dupKeyRe.FindStringSubmatch(me.Message)
	if m == nil {
		return ""
	}
	return m[1]
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	// Error 1213: Deadlock found when trying to get lock; try restarting transaction
	return me.Number == 1213
}
