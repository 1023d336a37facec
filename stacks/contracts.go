package stacks

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/metrics"
	"github.com/vocdoni/stx-mixer-relayer/stacks/rpc"
)

// Default names of the mixer contract functions.
const (
	DefaultWithdrawFunction    = "withdraw"
	DefaultUpdateRootFunction  = "update-root"
	DefaultCurrentRootFunction = "get-current-root"
)

// ErrNoSigningKey is returned by the submit methods when the contracts were
// created without a private key.
var ErrNoSigningKey = errors.New("no signing key configured")

// API is the subset of the Stacks API used by Contracts. It is satisfied by
// *rpc.Client.
type API interface {
	Info(ctx context.Context) (*rpc.NodeInfo, error)
	ContractEvents(ctx context.Context, contractID string, limit, offset int) (*rpc.EventsPage, error)
	AccountNonce(ctx context.Context, address string) (uint64, error)
	CallReadOnly(ctx context.Context, contractAddress, contractName, function, sender string,
		args []string) (string, error)
	BroadcastTx(ctx context.Context, raw []byte) (string, error)
}

// ContractsConfig describes the deployed mixer contract.
type ContractsConfig struct {
	Network Network
	// Contract is the mixer contract principal.
	Contract Principal
	// TokenContract is passed as the last argument of withdraw when set.
	TokenContract *Principal
	// Fee paid by every transaction, in micro STX.
	Fee                 uint64
	PostConditionMode   PostConditionMode
	WithdrawFunction    string
	UpdateRootFunction  string
	CurrentRootFunction string
}

// WithdrawalCall holds the arguments of the withdraw contract call.
type WithdrawalCall struct {
	Nullifier [32]byte
	Recipient Principal
	Amount    uint64
	Root      [32]byte
	Signature [65]byte
}

// Contracts builds, signs and broadcasts the calls to the mixer contract and
// reads its state.
type Contracts struct {
	api     API
	cfg     ContractsConfig
	key     *ecdsa.PrivateKey
	address Address
	nonces  *NonceManager

	// submitMu keeps nonce allocation and broadcast in order.
	submitMu sync.Mutex
}

// NewContracts returns the mixer contract bindings. The key may be nil, in
// which case only the read methods can be used.
func NewContracts(api API, cfg ContractsConfig, key *ecdsa.PrivateKey) (*Contracts, error) {
	if api == nil {
		return nil, fmt.Errorf("nil stacks api")
	}
	if !cfg.Contract.IsContract() {
		return nil, fmt.Errorf("%w: mixer contract %q must be a contract principal", ErrInvalidPrincipal, cfg.Contract)
	}
	if cfg.TokenContract != nil && !cfg.TokenContract.IsContract() {
		return nil, fmt.Errorf("%w: token %q must be a contract principal", ErrInvalidPrincipal, cfg.TokenContract)
	}
	if cfg.WithdrawFunction == "" {
		cfg.WithdrawFunction = DefaultWithdrawFunction
	}
	if cfg.UpdateRootFunction == "" {
		cfg.UpdateRootFunction = DefaultUpdateRootFunction
	}
	if cfg.CurrentRootFunction == "" {
		cfg.CurrentRootFunction = DefaultCurrentRootFunction
	}
	if cfg.PostConditionMode == 0 {
		cfg.PostConditionMode = PostConditionModeAllow
	}
	c := &Contracts{api: api, cfg: cfg, key: key}
	if key != nil {
		c.address = AddressFromPublicKey(cfg.Network.AddressVersion, crypto.CompressPubkey(&key.PublicKey))
		c.nonces = NewNonceManager(api, c.address.String())
		log.Infow("stacks contracts ready",
			"contract", cfg.Contract.String(),
			"network", cfg.Network.Name,
			"account", c.address.String())
	}
	return c, nil
}

// Address returns the account that signs the transactions. It is the zero
// address if no key is configured.
func (c *Contracts) Address() Address {
	return c.address
}

// ContractID returns the mixer contract identifier.
func (c *Contracts) ContractID() string {
	return c.cfg.Contract.String()
}

// BlockHeight returns the current Stacks tip height.
func (c *Contracts) BlockHeight(ctx context.Context) (uint64, error) {
	defer observe("info", time.Now())
	info, err := c.api.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.StacksTipHeight, nil
}

// Events returns a page of the mixer contract events, newest first.
func (c *Contracts) Events(ctx context.Context, limit, offset int) ([]rpc.Event, error) {
	defer observe("events", time.Now())
	page, err := c.api.ContractEvents(ctx, c.cfg.Contract.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch contract events: %w", err)
	}
	return page.Results, nil
}

// CurrentRoot reads the root stored by the contract as 64 hex characters.
func (c *Contracts) CurrentRoot(ctx context.Context) (string, error) {
	defer observe("current_root", time.Now())
	sender := c.address
	if sender == (Address{}) {
		sender = c.cfg.Contract.Address
	}
	res, err := c.api.CallReadOnly(ctx, c.cfg.Contract.Address.String(), c.cfg.Contract.ContractName,
		c.cfg.CurrentRootFunction, sender.String(), nil)
	if err != nil {
		return "", fmt.Errorf("read current root: %w", err)
	}
	v, err := DeserializeHex(res)
	if err != nil {
		return "", fmt.Errorf("decode current root: %w", err)
	}
	if v, err = Unwrap(v); err != nil {
		return "", err
	}
	buf, ok := v.(Buffer)
	if !ok || len(buf) != 32 {
		return "", fmt.Errorf("%w: unexpected root value %s", ErrSerialization, Repr(v))
	}
	return hex.EncodeToString(buf), nil
}

// SubmitWithdrawal broadcasts the withdraw call and returns its txid.
func (c *Contracts) SubmitWithdrawal(ctx context.Context, w *WithdrawalCall) (string, error) {
	if w == nil {
		return "", fmt.Errorf("nil withdrawal call")
	}
	if w.Amount == 0 {
		return "", fmt.Errorf("%w: zero amount", ErrSerialization)
	}
	args := []Value{
		Buffer(w.Nullifier[:]),
		PrincipalValue{w.Recipient},
		NewUInt(w.Amount),
		Buffer(w.Root[:]),
		Buffer(w.Signature[:]),
	}
	if c.cfg.TokenContract != nil {
		args = append(args, PrincipalValue{*c.cfg.TokenContract})
	}
	return c.submit(ctx, "withdraw", c.cfg.WithdrawFunction, args)
}

// SubmitRootUpdate broadcasts the update-root call and returns its txid.
func (c *Contracts) SubmitRootUpdate(ctx context.Context, root [32]byte) (string, error) {
	return c.submit(ctx, "update_root", c.cfg.UpdateRootFunction, []Value{Buffer(root[:])})
}

func (c *Contracts) submit(ctx context.Context, op, function string, args []Value) (string, error) {
	if c.key == nil {
		return "", ErrNoSigningKey
	}
	defer observe(op, time.Now())
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	tx := &ContractCall{
		Network:           c.cfg.Network,
		Nonce:             nonce,
		Fee:               c.cfg.Fee,
		AnchorMode:        AnchorModeAny,
		PostConditionMode: c.cfg.PostConditionMode,
		Contract:          c.cfg.Contract,
		Function:          function,
		Args:              args,
	}
	if err := tx.Sign(c.key); err != nil {
		c.nonces.Release(nonce)
		return "", err
	}
	raw, err := tx.Bytes()
	if err != nil {
		c.nonces.Release(nonce)
		return "", err
	}
	txID, err := c.api.BroadcastTx(ctx, raw)
	if err != nil {
		var rejection *rpc.BroadcastRejection
		c.nonces.Release(nonce)
		if errors.As(err, &rejection) && strings.Contains(rejection.Reason, "Nonce") {
			// the node knows better
			if next, serr := c.nonces.Sync(ctx); serr != nil {
				log.Warnw("could not resync nonce", "error", serr)
				c.nonces.Reset()
			} else {
				log.Infow("nonce resynced", "rejected", nonce, "next", next)
			}
		}
		return "", fmt.Errorf("broadcast %s: %w", function, err)
	}
	log.Infow("transaction broadcast",
		"function", function,
		"txid", txID,
		"nonce", nonce,
		"fee", c.cfg.Fee)
	return txID, nil
}

func observe(op string, start time.Time) {
	metrics.ChainRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
