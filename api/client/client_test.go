package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/stx-mixer-relayer/api"
	"github.com/vocdoni/stx-mixer-relayer/coordinator"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

type staleWithdrawer struct {
	current string
}

func (s *staleWithdrawer) Withdraw(_ context.Context, req *coordinator.Request) (*coordinator.Result, error) {
	return nil, &coordinator.StaleRootError{Claimed: req.Root, Current: s.current}
}

type deposits struct {
	t *tree.Tree
}

func (d *deposits) AddDeposit(_ context.Context, commitment string) (uint64, string, error) {
	idx, err := d.t.AddLeaf(commitment)
	if err != nil {
		return 0, "", err
	}
	root, err := d.t.Root()
	return idx, root, err
}

func TestClient(t *testing.T) {
	c := qt.New(t)
	engine := poseidon.NewEngine(types.TreeDepth)
	c.Assert(engine.Wait(context.Background()), qt.IsNil)
	tr, err := tree.New(engine, types.TreeDepth)
	c.Assert(err, qt.IsNil)

	a, err := api.NewRouter(&api.APIConfig{
		Tree:           tr,
		Withdrawals:    &staleWithdrawer{current: tree.EmptyRoot()},
		Deposits:       &deposits{tr},
		RelayerAddress: "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM",
	})
	c.Assert(err, qt.IsNil)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	cli, err := New(srv.URL)
	c.Assert(err, qt.IsNil)

	cm := crypto.FieldToHex(big.NewInt(42))
	dep, err := cli.DepositEvent(cm)
	c.Assert(err, qt.IsNil)
	c.Assert(dep.LeafIndex, qt.Equals, uint64(0))

	root, err := cli.Root()
	c.Assert(err, qt.IsNil)
	c.Assert(root, qt.Equals, dep.Root)

	proof, err := cli.Proof(cm)
	c.Assert(err, qt.IsNil)
	c.Assert(proof.Root, qt.Equals, root)
	c.Assert(proof.Proof.PathElements, qt.HasLen, types.TreeDepth)

	stats, err := cli.Stats()
	c.Assert(err, qt.IsNil)
	c.Assert(stats.TotalDeposits, qt.Equals, uint64(1))

	_, err = cli.Proof(crypto.FieldToHex(big.NewInt(43)))
	var apiErr *Error
	c.Assert(errors.As(err, &apiErr), qt.IsTrue)
	c.Assert(apiErr.Status, qt.Equals, http.StatusNotFound)
	c.Assert(apiErr.Code, qt.Equals, api.ErrResourceNotFound.Code)

	_, err = cli.Withdraw(&api.WithdrawRequest{Root: root, Amount: 10})
	c.Assert(errors.As(err, &apiErr), qt.IsTrue)
	c.Assert(apiErr.Status, qt.Equals, http.StatusConflict)
	c.Assert(apiErr.CurrentRoot, qt.Equals, tree.EmptyRoot())
}

func TestNewFailsOnBadStatus(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := New(srv.URL)
	c.Assert(err, qt.ErrorMatches, fmt.Sprintf("(?s)%s: %d .*", errCodeNot200, http.StatusServiceUnavailable))
}
