package storage

import (
	"fmt"
	"strings"
)

// Dialect captures the few statements that differ between MySQL and SQLite.
type Dialect struct {
	Name string

	// lockSuffix is appended to SELECTs that must hold a row lock until the
	// transaction ends. SQLite takes the database write lock at BEGIN
	// IMMEDIATE instead.
	lockSuffix   string
	insertIgnore string
	creditUpsert string
}

var (
	MySQL = Dialect{
		Name:         "mysql",
		lockSuffix:   " FOR UPDATE",
		insertIgnore: "INSERT IGNORE INTO",
		creditUpsert: `INSERT INTO balances (account, amount) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount)`,
	}

	SQLite = Dialect{
		Name:         "sqlite",
		lockSuffix:   "",
		insertIgnore: "INSERT OR IGNORE INTO",
		creditUpsert: `INSERT INTO balances (account, amount) VALUES (?, ?)
			ON CONFLICT(account) DO UPDATE SET amount = amount + excluded.amount`,
	}
)

func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case MySQL.Name:
		return MySQL, nil
	case SQLite.Name, "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
}

func (d Dialect) forUpdate(query string) string {
	return query + d.lockSuffix
}
