package utils

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clashsub.com/p/internal/model"
)

func TestAllProxiesDelay(t *testing.T) {
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
	port := ln.Addr().(*net.TCPAddr).Port

	p := &Ping{Timeout: time.Second, Parallelism: 2}
	results := p.TestAllProxiesDelay(context.Background(), []model.Proxy{
		{Name: "up", Server: "127.0.0.1", Port: port},
		{Name: "down", Server: "127.0.0.1", Port: 1},
	})
	assert.GreaterOrEqual(t, results["up"], 0)
	assert.Equal(t, -1, results["down"])
}
