package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/migrate"
	"rulegate/internal/testutil"
)

func TestMigrateIsRepeatable(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend.Name, func(t *testing.T) {
			conn := backend.Open(t)
			v, err := migrate.Version(conn)
			require.NoError(t, err)
			assert.Equal(t, 1, v)

			require.NoError(t, migrate.Migrate(conn))
			v, err = migrate.Version(conn)
			require.NoError(t, err)
			assert.Equal(t, 1, v)

			for _, table := range []string{"tasks", "results", "rulesets", "change_requests", "reviews", "audit_events"} {
				var n int
				require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM `+table), table)
				assert.Zero(t, n, table)
			}
		})
	}
}
