package stacks

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/stx-mixer-relayer/stacks/rpc"
)

type fakeAPI struct {
	mu        sync.Mutex
	nonce     uint64
	nonceHits int
	root      string
	broadcast [][]byte
	failNext  error
	nonceErr  error
	events    []rpc.Event
}

func (f *fakeAPI) Info(context.Context) (*rpc.NodeInfo, error) {
	return &rpc.NodeInfo{StacksTipHeight: 1234}, nil
}

func (f *fakeAPI) ContractEvents(_ context.Context, _ string, limit, offset int) (*rpc.EventsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := min(offset+limit, len(f.events))
	if offset > end {
		offset = end
	}
	return &rpc.EventsPage{Limit: limit, Offset: offset, Results: f.events[offset:end]}, nil
}

func (f *fakeAPI) AccountNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceHits++
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.nonce, nil
}

func (f *fakeAPI) CallReadOnly(_ context.Context, _, _, function, _ string, _ []string) (string, error) {
	if function != DefaultCurrentRootFunction {
		return "", errors.New("unknown function")
	}
	return f.root, nil
}

func (f *fakeAPI) BroadcastTx(_ context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	f.broadcast = append(f.broadcast, raw)
	return "0xabcd", nil
}

func testContracts(c *qt.C, api API) *Contracts {
	key, err := crypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	token := MustParsePrincipal("ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM.sbtc-token")
	contracts, err := NewContracts(api, ContractsConfig{
		Network:       Testnet,
		Contract:      MustParsePrincipal("ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM.mixer"),
		TokenContract: &token,
		Fee:           5000,
	}, key)
	c.Assert(err, qt.IsNil)
	return contracts
}

func TestContractsCurrentRoot(t *testing.T) {
	c := qt.New(t)
	root := make([]byte, 32)
	root[0] = 0x1c
	serialized, err := Serialize(Response{Ok: true, Value: Buffer(root)})
	c.Assert(err, qt.IsNil)
	api := &fakeAPI{root: "0x" + hex.EncodeToString(serialized)}
	contracts := testContracts(c, api)

	got, err := contracts.CurrentRoot(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, hex.EncodeToString(root))

	api.root = "0x03"
	_, err = contracts.CurrentRoot(context.Background())
	c.Assert(err, qt.ErrorIs, ErrSerialization)

	height, err := contracts.BlockHeight(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(height, qt.Equals, uint64(1234))
}

func TestContractsSubmitNonces(t *testing.T) {
	c := qt.New(t)
	api := &fakeAPI{nonce: 3}
	contracts := testContracts(c, api)
	ctx := context.Background()

	_, err := contracts.SubmitRootUpdate(ctx, [32]byte{1})
	c.Assert(err, qt.IsNil)

	w := &WithdrawalCall{
		Recipient: MustParsePrincipal("ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"),
		Amount:    1000000,
	}
	txid, err := contracts.SubmitWithdrawal(ctx, w)
	c.Assert(err, qt.IsNil)
	c.Assert(txid, qt.Equals, "0xabcd")
	c.Assert(api.broadcast, qt.HasLen, 2)
	c.Assert(readNonce(api.broadcast[0]), qt.Equals, uint64(3))
	c.Assert(readNonce(api.broadcast[1]), qt.Equals, uint64(4))
	c.Assert(api.nonceHits, qt.Equals, 1)

	// a failed broadcast gives the nonce back
	api.failNext = errors.New("connection reset")
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{2})
	c.Assert(err, qt.IsNotNil)
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{2})
	c.Assert(err, qt.IsNil)
	c.Assert(readNonce(api.broadcast[2]), qt.Equals, uint64(5))

	// a nonce rejection resyncs the manager with the node
	api.failNext = &rpc.BroadcastRejection{Err: "transaction rejected", Reason: "BadNonce"}
	api.nonce = 9
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{3})
	c.Assert(err, qt.IsNotNil)
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{3})
	c.Assert(err, qt.IsNil)
	c.Assert(readNonce(api.broadcast[3]), qt.Equals, uint64(9))
	c.Assert(api.nonceHits, qt.Equals, 2)

	// the rejected nonce is retried when the node is not ahead of it
	api.failNext = &rpc.BroadcastRejection{Err: "transaction rejected", Reason: "ConflictingNonceInMempool"}
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{4})
	c.Assert(err, qt.IsNotNil)
	c.Assert(api.nonceHits, qt.Equals, 3)
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{4})
	c.Assert(err, qt.IsNil)
	c.Assert(readNonce(api.broadcast[4]), qt.Equals, uint64(10))

	// a failed resync forgets the counter, the next submission queries the node
	api.failNext = &rpc.BroadcastRejection{Err: "transaction rejected", Reason: "BadNonce"}
	api.nonceErr = errors.New("node down")
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{5})
	c.Assert(err, qt.IsNotNil)
	api.nonceErr = nil
	api.nonce = 15
	_, err = contracts.SubmitRootUpdate(ctx, [32]byte{5})
	c.Assert(err, qt.IsNil)
	c.Assert(readNonce(api.broadcast[5]), qt.Equals, uint64(15))
	c.Assert(api.nonceHits, qt.Equals, 5)

	_, err = contracts.SubmitWithdrawal(ctx, &WithdrawalCall{Recipient: w.Recipient})
	c.Assert(err, qt.ErrorIs, ErrSerialization)
}

func TestContractsReadOnly(t *testing.T) {
	c := qt.New(t)
	contracts, err := NewContracts(&fakeAPI{}, ContractsConfig{
		Network:  Testnet,
		Contract: MustParsePrincipal("ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM.mixer"),
	}, nil)
	c.Assert(err, qt.IsNil)
	_, err = contracts.SubmitRootUpdate(context.Background(), [32]byte{})
	c.Assert(err, qt.ErrorIs, ErrNoSigningKey)

	_, err = NewContracts(&fakeAPI{}, ContractsConfig{
		Network:  Testnet,
		Contract: MustParsePrincipal("ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"),
	}, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidPrincipal)
}

func readNonce(raw []byte) uint64 {
	var n uint64
	for _, b := range raw[27:35] {
		n = n<<8 | uint64(b)
	}
	return n
}
