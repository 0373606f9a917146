package sqllite

import (
	"path/filepath"
	"sync/atomic"
	"testing"
)

var portBase int32 = 9018 // starting port number (can be anything safe)

func nextPort() int {
	return int(atomic.AddInt32(&portBase, 1))
}

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T, port int)) {
	port := nextPort()
	SetupSqlLiteTestInstance(t, filepath.Join(t.TempDir(), "outboundflow-test.db"))
	testFunc(t, port)
}

func SetupSqlLiteTestInstance(t *testing.T, filename string) {
	t.Setenv("OFLOW_DATABASE_TYPE", "SQLLITE")
	t.Setenv("OFLOW_DATABASE_SQLLITE_FILE_NAME", filename)
}
