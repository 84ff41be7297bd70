package inventory

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreWaitsOnRowLocksAtReadCommitted(t *testing.T) {
	require.Equal(t, pgx.ReadCommitted, storeTxOptions.IsoLevel)
}
