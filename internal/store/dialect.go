package store

import (
	"fmt"
	"strconv"
	"strings"

	"refdispatch/internal/config"

	// Registered drivers: "sqlite" (pure Go), "sqlite3" (cgo), "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// dialect carries the SQL differences between SQLite and Postgres.
// Queries are written with '?' placeholders and rebound for Postgres.
type dialect struct {
	name   string
	sqlite bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case config.DriverSQLite, config.DriverSQLite3:
		return dialect{name: driver, sqlite: true}, nil
	case config.DriverPostgres:
		return dialect{name: driver}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// rebind rewrites '?' placeholders to $1..$n for Postgres.
func (d dialect) rebind(query string) string {
	if d.sqlite {
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

// lockCampaign is appended to the campaign selection inside a claim.
// Concurrent Postgres claimers skip a campaign another claim holds.
func (d dialect) lockCampaign() string {
	if d.sqlite {
		return ""
	}
	return " FOR UPDATE OF c SKIP LOCKED"
}

// lockUnits is appended to the free-unit selection inside a claim.
func (d dialect) lockUnits() string {
	if d.sqlite {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

// idColumn is the auto-increment primary key definition.
func (d dialect) idColumn() string {
	if d.sqlite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

// intColumn is the 64-bit integer column type.
func (d dialect) intColumn() string {
	if d.sqlite {
		return "INTEGER"
	}
	return "BIGINT"
}
