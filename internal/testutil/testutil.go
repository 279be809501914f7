// Package testutil provides the shared database fixture for service
// tests: an in-memory sqlite database carrying the full schema.
package testutil

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wispware/tally/internal/migration"
)

// OpenTestDB opens a fresh in-memory sqlite database and applies every
// embedded migration so tests exercise the real schema, partial unique
// indexes included.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// The in-memory database disappears when its last connection
	// closes; pin the pool to one connection.
	sqlDB.SetMaxOpenConns(1)
	if err := migration.RunMigrations(sqlDB); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db
}

// NewIDNode returns a snowflake node for generating test identifiers.
func NewIDNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
