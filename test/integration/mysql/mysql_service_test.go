package mysql

import (
	"testing"

	"github.com/RealZimboGuy/outboundflow/test/integration/common"
)

func TestMySQLServiceRoundTrip(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, port int) {
		graph := common.NewFakeGraph(t)
		common.SetServiceEnv(t, port, graph)
		common.RunRoundTrip(t, port, graph)
	})
}
