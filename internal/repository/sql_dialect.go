package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect carries the per-database SQL differences. Its value is one of the
// config.DATABASE_TYPE_* constants.
type Dialect string

func NewDialect(databaseType string) (Dialect, error) {
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES, config.DATABASE_TYPE_MYSQL, config.DATABASE_TYPE_SQLLITE:
		return Dialect(databaseType), nil
	}
	return "", fmt.Errorf("unsupported database type %q", databaseType)
}

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func (d Dialect) placeholder(i int) string {
	if d == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (d Dialect) placeholders(from, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.placeholder(from+i))
	}
	return out
}

func (d Dialect) supportsReturning() bool {
	return d == config.DATABASE_TYPE_POSTGRES
}

// formatDate converts a timestamp into the value the driver stores losslessly.
func (d Dialect) formatDate(t time.Time) any {
	switch d {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	return t.UTC()
}

func (d Dialect) formatDateNull(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return d.formatDate(t.Time)
}

// dateCompare returns a predicate comparing a datetime column with a bound
// timestamp. SQLite coerces both sides via julianday() so TEXT values compare
// as instants.
func (d Dialect) dateCompare(column, op, bind string) string {
	if d == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) %s julianday(%s)", column, op, bind)
	}
	return fmt.Sprintf("%s %s %s", column, op, bind)
}

// isUniqueViolation reports a unique constraint failure from any supported driver.
func (d Dialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func utcNull(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}
