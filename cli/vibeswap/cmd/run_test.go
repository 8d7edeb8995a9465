package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/stretchr/testify/require"

	testobserve "github.com/vibeswap/vibeswap/internal/testutils/observability"
	"github.com/vibeswap/vibeswap/rpc"
	"github.com/vibeswap/vibeswap/types"
)

const poolsYAML = `
pools:
  - id: "0000CAFE"
    reference: 10000000000
    liquidity: 1000000
    splits:
      - destination: treasury
        fraction_bp: 7000
      - destination: burn
        fraction_bp: 3000
`

func writePoolsCfg(t *testing.T, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "pools.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0600))
	return fn
}

func Test_loadPoolsConfig(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		cfg, err := loadPoolsConfig(writePoolsCfg(t, poolsYAML))
		require.NoError(t, err)
		require.Len(t, cfg.Pools, 1)
		p := cfg.Pools[0]
		require.Equal(t, "0000CAFE", p.ID)
		require.EqualValues(t, 10000000000, p.Reference)
		require.EqualValues(t, 1000000, p.Liquidity)
		require.Len(t, p.Splits, 2)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadPoolsConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("no pools", func(t *testing.T) {
		_, err := loadPoolsConfig(writePoolsCfg(t, "pools: []"))
		require.ErrorContains(t, err, "no pools defined")
	})

	t.Run("splits must sum to 100%", func(t *testing.T) {
		_, err := loadPoolsConfig(writePoolsCfg(t, `
pools:
  - id: "0000CAFE"
    reference: 1
    liquidity: 1
    splits:
      - destination: treasury
        fraction_bp: 5000
`))
		require.ErrorContains(t, err, "must sum to 10000 basis points")
	})
}

func Test_staticCollaborators(t *testing.T) {
	cfg, err := loadPoolsConfig(writePoolsCfg(t, poolsYAML))
	require.NoError(t, err)

	collab := &staticCollaborators{pools: map[types.PoolID]poolEntry{0xCAFE: cfg.Pools[0]}}

	ref, liq, err := collab.Reference(context.Background(), 0xCAFE)
	require.NoError(t, err)
	require.EqualValues(t, 10000000000, ref)
	require.EqualValues(t, 1000000, liq)

	_, _, err = collab.Reference(context.Background(), 0xDEAD)
	require.ErrorContains(t, err, "no reference configured")

	require.NoError(t, types.ValidSplits(collab.SlashSplits(0xCAFE)))
}

func Test_restServerLifecycle(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	server := rpc.NewRESTServer(addr, 1<<20, testobserve.Default(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- httpsrv.Run(ctx, server, httpsrv.ShutdownTimeout(5*time.Second))
	}()

	// wait until server is up
	require.Eventually(t, func() bool {
		rsp, err := http.Get(fmt.Sprintf("http://%s/api/v1/pools/CAFE/batches/current", addr))
		if err != nil {
			return false
		}
		return rsp.Body.Close() == nil
	}, 1500*time.Millisecond, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("http server didn't shut down within timeout")
	}
}
