package netdiag

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeNAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	result := ProbeN("127.0.0.1", addr.Port, 5, 500*time.Millisecond)

	assert.GreaterOrEqual(t, result.LatencyMs, 0.0)
	assert.Equal(t, 0.0, result.LossPercent)
}

func TestProbeNAgainstUnreachablePortReturnsFailedResult(t *testing.T) {
	result := ProbeN("127.0.0.1", 1, 3, 100*time.Millisecond)
	assert.Equal(t, FailedResult, result)
}
