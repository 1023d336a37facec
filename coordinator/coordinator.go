// Package coordinator implements the withdrawal flow of the relayer: it
// verifies the proof, checks the root freshness, signs the withdrawal
// authorization and submits the withdraw transaction.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/circuits"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/events"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/metrics"
	"github.com/vocdoni/stx-mixer-relayer/signer"
	"github.com/vocdoni/stx-mixer-relayer/stacks"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"github.com/vocdoni/stx-mixer-relayer/types"
)

const (
	// DefaultSubmitTimeout bounds the broadcast of the withdraw transaction.
	DefaultSubmitTimeout = 20 * time.Second
	// DefaultRecipientSignal is the public signal holding the recipient
	// field, see signer.RecipientField.
	DefaultRecipientSignal = 2
	// DefaultAmountSignal is the public signal holding the amount.
	DefaultAmountSignal = 3
	// NoAmountSignal disables the amount binding, for circuits of fixed
	// denomination pools that do not expose the amount.
	NoAmountSignal = -1
)

// Result labels of the withdrawals metric.
const (
	resultOK           = "ok"
	resultInvalid      = "invalid"
	resultProofInvalid = "proof_invalid"
	resultStaleRoot    = "stale_root"
	resultEncoding     = "encoding"
	resultChainError   = "chain_error"
	resultTimeout      = "timeout"
)

// Verifier checks a withdrawal proof. It is satisfied by *circuits.Verifier.
type Verifier interface {
	Verify(ctx context.Context, proof json.RawMessage, publicSignals []string) (circuits.VerificationResult, error)
}

// ChainClient submits the withdraw call. It is satisfied by
// *stacks.Contracts.
type ChainClient interface {
	SubmitWithdrawal(ctx context.Context, call *stacks.WithdrawalCall) (string, error)
}

// RootSource returns the current tree root. It is satisfied by *tree.Tree.
type RootSource interface {
	Root() (string, error)
}

// Signer signs the withdrawal authorization. It is satisfied by
// *signer.Signer.
type Signer interface {
	SignWithdrawal(nullifier, recipient string, amount uint64, root string) (*signer.SignedMessage, error)
}

// Request is a withdrawal request.
type Request struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals []string        `json:"publicSignals"`
	NullifierHash string          `json:"nullifierHash"`
	Recipient     string          `json:"recipient"`
	Amount        uint64          `json:"amount"`
	Root          string          `json:"root"`
}

// Result is the outcome of an accepted withdrawal.
type Result struct {
	TxID          string         `json:"txid"`
	NullifierHash string         `json:"nullifierHash"`
	Root          string         `json:"root"`
	MessageHash   types.HexBytes `json:"messageHash"`
	Signature     types.HexBytes `json:"signature"`
}

// Config holds the coordinator options.
type Config struct {
	// Network, when set, rejects recipients of the other network.
	Network       *stacks.Network
	SubmitTimeout time.Duration
	// RecipientSignal and AmountSignal are the public signal indexes the
	// request recipient and amount must match. Zero takes the defaults.
	RecipientSignal int
	AmountSignal    int
}

// RequiredSignals returns the minimum number of public signals a request
// must carry under the configured indexes.
func (c Config) RequiredSignals() int {
	n := types.MinPublicSignals
	if c.RecipientSignal+1 > n {
		n = c.RecipientSignal + 1
	}
	if c.AmountSignal+1 > n {
		n = c.AmountSignal + 1
	}
	return n
}

// Coordinator runs the withdrawal requests. Requests are independent, it is
// safe for concurrent use.
type Coordinator struct {
	verifier  Verifier
	roots     RootSource
	signer    Signer
	chain     ChainClient
	publisher *events.Publisher
	cfg       Config
}

// New returns a coordinator. The publisher may be nil.
func New(verifier Verifier, roots RootSource, s Signer, chain ChainClient, publisher *events.Publisher, cfg Config) (*Coordinator, error) {
	if verifier == nil || roots == nil || s == nil || chain == nil {
		return nil, fmt.Errorf("coordinator requires a verifier, a root source, a signer and a chain client")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.RecipientSignal == 0 {
		cfg.RecipientSignal = DefaultRecipientSignal
	}
	if cfg.AmountSignal == 0 {
		cfg.AmountSignal = DefaultAmountSignal
	}
	if cfg.RecipientSignal < 2 || (cfg.AmountSignal < 2 && cfg.AmountSignal != NoAmountSignal) ||
		cfg.RecipientSignal == cfg.AmountSignal {
		return nil, fmt.Errorf("invalid public signal indexes: recipient %d, amount %d", cfg.RecipientSignal, cfg.AmountSignal)
	}
	return &Coordinator{
		verifier:  verifier,
		roots:     roots,
		signer:    s,
		chain:     chain,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

// request is a validated Request.
type request struct {
	*Request
	nullifier *big.Int
	root      *big.Int
	rootHex   string
	recipient stacks.Principal
}

// Withdraw processes a withdrawal request. On any failure no signature is
// returned.
func (c *Coordinator) Withdraw(ctx context.Context, req *Request) (*Result, error) {
	res, err := c.withdraw(ctx, req)
	c.record(ctx, req, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) withdraw(ctx context.Context, req *Request) (*Result, error) {
	r, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	verification, err := c.verifier.Verify(ctx, req.Proof, req.PublicSignals)
	if err != nil {
		return nil, fmt.Errorf("%w: proof verification: %v", ErrTimeout, err)
	}
	if !verification.Valid {
		return nil, fmt.Errorf("%w: %s", ErrProofInvalid, verification.Reason)
	}

	current, err := c.roots.Root()
	if err != nil {
		return nil, fmt.Errorf("current root: %w", err)
	}
	if !tree.SameRoot(current, r.rootHex) {
		return nil, &StaleRootError{Claimed: r.rootHex, Current: current}
	}

	nullifier := crypto.FieldToHex(r.nullifier)
	signed, err := c.signer.SignWithdrawal(nullifier, r.recipient.String(), req.Amount, r.rootHex)
	if err != nil {
		if !errors.Is(err, signer.ErrEncoding) {
			err = fmt.Errorf("%w: %v", signer.ErrEncoding, err)
		}
		return nil, err
	}
	if len(signed.Signature) != types.SignatureSize {
		return nil, fmt.Errorf("%w: signature of %d bytes", signer.ErrEncoding, len(signed.Signature))
	}

	call := &stacks.WithdrawalCall{
		Recipient: r.recipient,
		Amount:    req.Amount,
	}
	copy(call.Nullifier[:], crypto.FieldToBytes(r.nullifier))
	copy(call.Root[:], crypto.FieldToBytes(r.root))
	copy(call.Signature[:], signed.Signature)

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()
	txID, err := c.chain.SubmitWithdrawal(sctx, call)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: submit withdrawal: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrChainSubmission, err)
	}
	return &Result{
		TxID:          txID,
		NullifierHash: nullifier,
		Root:          r.rootHex,
		MessageHash:   signed.MessageHash,
		Signature:     signed.Signature,
	}, nil
}

// validate checks the request shape and that the claimed root, nullifier,
// recipient and amount are the ones the proof commits to.
func (c *Coordinator) validate(req *Request) (*request, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrValidation)
	}
	if len(req.Proof) == 0 || string(req.Proof) == "null" {
		return nil, fmt.Errorf("%w: missing proof", ErrValidation)
	}
	if required := c.cfg.RequiredSignals(); len(req.PublicSignals) < required {
		return nil, fmt.Errorf("%w: expected at least %d public signals, got %d",
			ErrValidation, required, len(req.PublicSignals))
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	r := &request{Request: req}
	var err error
	if r.nullifier, err = crypto.ParseField(req.NullifierHash); err != nil {
		return nil, fmt.Errorf("%w: nullifierHash: %v", ErrValidation, err)
	}
	if r.root, err = crypto.ParseField(req.Root); err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrValidation, err)
	}
	if r.recipient, err = stacks.ParsePrincipal(req.Recipient); err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrValidation, err)
	}
	if c.cfg.Network != nil && r.recipient.IsMainnet() != (c.cfg.Network.AddressVersion == stacks.Mainnet.AddressVersion) {
		return nil, fmt.Errorf("%w: recipient %s is not a %s address", ErrValidation, req.Recipient, c.cfg.Network.Name)
	}

	signalRoot, err := crypto.ParseSignal(req.PublicSignals[0])
	if err != nil {
		return nil, fmt.Errorf("%w: public signal 0: %v", ErrValidation, err)
	}
	var ok bool
	if r.root, ok = matchSignal(req.Root, r.root, signalRoot); !ok {
		return nil, fmt.Errorf("%w: root does not match the proof", ErrValidation)
	}
	r.rootHex = crypto.FieldToHex(r.root)
	signalNullifier, err := crypto.ParseSignal(req.PublicSignals[1])
	if err != nil {
		return nil, fmt.Errorf("%w: public signal 1: %v", ErrValidation, err)
	}
	if r.nullifier, ok = matchSignal(req.NullifierHash, r.nullifier, signalNullifier); !ok {
		return nil, fmt.Errorf("%w: nullifierHash does not match the proof", ErrValidation)
	}

	recipientField, err := signer.RecipientField(r.recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrValidation, err)
	}
	signalRecipient, err := crypto.ParseSignal(req.PublicSignals[c.cfg.RecipientSignal])
	if err != nil {
		return nil, fmt.Errorf("%w: public signal %d: %v", ErrValidation, c.cfg.RecipientSignal, err)
	}
	if signalRecipient.Cmp(recipientField) != 0 {
		return nil, fmt.Errorf("%w: recipient does not match the proof", ErrValidation)
	}
	if c.cfg.AmountSignal != NoAmountSignal {
		signalAmount, err := crypto.ParseSignal(req.PublicSignals[c.cfg.AmountSignal])
		if err != nil {
			return nil, fmt.Errorf("%w: public signal %d: %v", ErrValidation, c.cfg.AmountSignal, err)
		}
		if !signalAmount.IsUint64() || signalAmount.Uint64() != req.Amount {
			return nil, fmt.Errorf("%w: amount does not match the proof", ErrValidation)
		}
	}
	return r, nil
}

// matchSignal checks a request field against its public signal. A 64 digit
// value is read as hex first, and as decimal when that reading is the one
// matching the signal.
func matchSignal(raw string, parsed, signal *big.Int) (*big.Int, bool) {
	if parsed.Cmp(signal) == 0 {
		return parsed, true
	}
	if v, ok := crypto.DecimalReading(raw); ok && v.Cmp(signal) == 0 {
		return v, true
	}
	return nil, false
}

func (c *Coordinator) record(ctx context.Context, req *Request, res *Result, err error) {
	label := resultLabel(err)
	metrics.WithdrawalsTotal.WithLabelValues(label).Inc()
	if req == nil {
		return
	}
	ev := &events.Withdrawal{
		NullifierHash: req.NullifierHash,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Root:          req.Root,
		Result:        label,
	}
	switch label {
	case resultOK:
		ev.TxID = res.TxID
		log.Infow("withdrawal submitted",
			"txid", res.TxID,
			"nullifier", res.NullifierHash,
			"recipient", req.Recipient,
			"amount", req.Amount)
	case resultProofInvalid:
		log.Warnw("withdrawal rejected, invalid proof", "recipient", req.Recipient, "error", err)
	case resultEncoding:
		log.Errorw(err, "withdrawal encoding failed")
	case resultInvalid, resultStaleRoot:
		log.Debugw("withdrawal rejected", "error", err)
	default:
		log.Warnw("withdrawal failed", "result", label, "error", err)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	_ = c.publisher.Publish(ctx, events.TopicWithdrawals, ev)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrValidation):
		return resultInvalid
	case errors.Is(err, ErrProofInvalid):
		return resultProofInvalid
	case errors.Is(err, ErrStaleRoot):
		return resultStaleRoot
	case errors.Is(err, signer.ErrEncoding):
		return resultEncoding
	case errors.Is(err, ErrTimeout):
		return resultTimeout
	case errors.Is(err, ErrChainSubmission):
		return resultChainError
	default:
		return metrics.ResultError
	}
}
