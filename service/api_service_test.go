package service

import (
	"context"
	"net/http"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/stx-mixer-relayer/api"
	"github.com/vocdoni/stx-mixer-relayer/coordinator"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

type nopWithdrawer struct{}

func (nopWithdrawer) Withdraw(context.Context, *coordinator.Request) (*coordinator.Result, error) {
	return nil, coordinator.ErrValidation
}

func TestAPIService(t *testing.T) {
	c := qt.New(t)
	engine := poseidon.NewEngine(types.TreeDepth)
	c.Assert(engine.Wait(context.Background()), qt.IsNil)
	tr, err := tree.New(engine, types.TreeDepth)
	c.Assert(err, qt.IsNil)

	// Port 0 lets the OS choose an available port
	apiService := NewAPI(&api.APIConfig{
		Host:        "127.0.0.1",
		Port:        0,
		Tree:        tr,
		Withdrawals: nopWithdrawer{},
	})
	ctx := context.Background()
	c.Assert(apiService.Start(ctx), qt.IsNil)
	defer apiService.Stop()

	resp, err := http.Get("http://" + apiService.Addr() + api.RootEndpoint)
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)

	// Test starting an already running service
	c.Assert(apiService.Start(ctx), qt.ErrorMatches, "service already running")

	// Test stopping and restarting
	apiService.Stop()
	c.Assert(apiService.Addr(), qt.Equals, "")
	c.Assert(apiService.Start(ctx), qt.IsNil)
}

func TestAPIServiceInvalidConfig(t *testing.T) {
	c := qt.New(t)
	c.Assert(NewAPI(&api.APIConfig{}).Start(context.Background()), qt.ErrorMatches, "failed to start API server: .*")
}
