package sqldb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour and database/sql driver.
type Dialect string

const (
	// Postgres uses github.com/lib/pq.
	Postgres Dialect = "postgres"

	// MySQL uses github.com/go-sql-driver/mysql.
	MySQL Dialect = "mysql"

	// SQLite uses github.com/mattn/go-sqlite3.
	SQLite Dialect = "sqlite"
)

// ParseDialect parses a dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(s)) {
	case Postgres:
		return Postgres, nil
	case MySQL:
		return MySQL, nil
	case SQLite, "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported dialect %q (supported: postgres, mysql, sqlite)", s)
}

// DriverName returns the database/sql driver name registered for the dialect.
func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return string(d)
}

// rebind converts ? placeholders into the dialect's placeholder syntax.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary key or unique constraint violation.
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
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (d Dialect) blobType() string {
	switch d {
	case Postgres:
		return "BYTEA"
	case MySQL:
		return "LONGBLOB"
	}
	return "BLOB"
}

func (d Dialect) keyType() string {
	if d == MySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// upsert returns an insert statement that replaces the non-key columns on conflict.
func (d Dialect) upsert(table string, keys, columns []string) string {
	all := append(append([]string(nil), keys...), columns...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), placeholders)

	sets := make([]string, len(columns))
	if d == MySQL {
		for i, c := range columns {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}
