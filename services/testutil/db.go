package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"bountypay/pkg/db"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a private in-memory SQLite database for t with the same gorm
// settings the services run with and migrates models into it.
//
// The pool is pinned to one connection: shared-cache SQLite serialises
// writers, so code under test must not hold a transaction while it reaches
// the database through another handle.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         db.NewZapGormLogger(logger.Warn, false, 0),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "open test database")

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		require.NoError(t, gdb.AutoMigrate(models...), "migrate test database")
	}
	return gdb
}
