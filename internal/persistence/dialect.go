package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL databases the SQL-backed
// stores run on. Queries are written with '?' placeholders and rebound.
type Dialect struct {
	Name      string
	BlobType  string
	Numbered  bool
	SkipLocks bool
}

var (
	// SQLite targets modernc.org/sqlite ("sqlite" driver name).
	SQLite = Dialect{Name: "sqlite", BlobType: "BLOB"}

	// Postgres targets github.com/jackc/pgx/v5/stdlib ("pgx" driver name).
	Postgres = Dialect{Name: "postgres", BlobType: "BYTEA", Numbered: true, SkipLocks: true}
)

// Rebind rewrites '?' placeholders to $1..$n for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns "?, ?, ..." with n placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
