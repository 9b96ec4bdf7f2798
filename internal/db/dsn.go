package db

import (
	"fmt"
	"net/url"
	"strings"
)

// Driver names registered by the imported database/sql drivers.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Resolve picks the driver for a catalog DSN. postgres:// and postgresql://
// URLs go to pgx; anything else is a SQLite file path.
func Resolve(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if _, err := url.Parse(dsn); err != nil {
			return "", "", err
		}
		return DriverPostgres, dsn, nil
	}

	path := strings.TrimPrefix(dsn, "sqlite://")
	if !strings.Contains(path, "?") {
		path += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return DriverSQLite, path, nil
}

// Redact hides the password of a URL-style DSN for logging.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
