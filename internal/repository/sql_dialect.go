package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/config"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repository methods can run
// inside a caller's transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func databaseType() string {
	return config.GetSystemSettingString(config.DATABASE_TYPE)
}

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	if databaseType() == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// rebind rewrites ? bind variables into the dialect's form.
func rebind(query string) string {
	if databaseType() != config.DATABASE_TYPE_POSTGRES {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString(placeholder(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// inList returns "?, ?, ?" for n values.
func inList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeCompare returns a predicate comparing a datetime column with a bound
// parameter. SQLite coerces both sides via julianday() so TEXT timestamps with
// and without fractional seconds compare correctly.
func timeCompare(column, op string) string {
	if databaseType() == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) %s julianday(?)", column, op)
	}
	return fmt.Sprintf("%s %s ?", column, op)
}

// lockClause is appended to claim selects. SQLite serialises writers and has
// no row locks.
func lockClause(skipLocked bool) string {
	if databaseType() == config.DATABASE_TYPE_SQLLITE {
		return ""
	}
	if skipLocked {
		return " FOR UPDATE SKIP LOCKED"
	}
	return " FOR UPDATE"
}

// insertIgnore returns the dialect's INSERT prefix and suffix for inserts
// that silently skip duplicate keys.
func insertIgnore() (prefix, suffix string) {
	switch databaseType() {
	case config.DATABASE_TYPE_POSTGRES:
		return "INSERT INTO", " ON CONFLICT DO NOTHING"
	case config.DATABASE_TYPE_MYSQL:
		return "INSERT IGNORE INTO", ""
	default:
		return "INSERT OR IGNORE INTO", ""
	}
}

func supportsReturning() bool {
	return databaseType() == config.DATABASE_TYPE_POSTGRES
}

func formatDateInDatabase(t time.Time) string {
	switch databaseType() {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDateInDatabaseNull(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

// insertReturningID runs an INSERT and returns the generated id, using
// RETURNING where the dialect has it and LastInsertId otherwise.
func insertReturningID(ctx context.Context, db dbtx, query string, args ...any) (int64, error) {
	var id int64
	if supportsReturning() {
		err := db.QueryRowContext(ctx, rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
