package postgres

import (
	"testing"

	"github.com/RealZimboGuy/outboundflow/test/integration/common"
)

func TestPostgresClaimsAreExclusive(t *testing.T) {
	container, dsn := SetupPostgresTestInstance(t)
	defer container.Terminate(t.Context())

	common.AssertExclusiveClaims(t, migratedDB(t, dsn), 30, 4)
}
