package poseidon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/log"
)

// ErrUninitializedEngine is returned when the engine is used before its
// setup has finished.
var ErrUninitializedEngine = errors.New("poseidon engine not initialized")

// zeroPairHash is Poseidon(0, 0) over the BN254 scalar field, as computed by
// circomlib. It is used to check the hash primitive during setup.
var zeroPairHash, _ = new(big.Int).SetString(
	"2098f5fb9e239eab3ceac3f27b81e481dc3124d55ffed523a839ee8446b64864", 16)

// Engine hashes pairs of field elements with the same Poseidon instance used
// by the withdrawal circuit. It also holds the zero value cache of a tree of
// the configured depth: zero[0] = 0 and zero[i] = H(zero[i-1], zero[i-1]).
type Engine struct {
	depth int
	once  sync.Once
	ready chan struct{}
	zeros []*big.Int
	err   error
}

// NewEngine returns an engine for trees of the given depth. Init must be
// called before using it.
func NewEngine(depth int) *Engine {
	return &Engine{
		depth: depth,
		ready: make(chan struct{}),
	}
}

// Init starts the one time setup in the background. It is safe to call it
// several times and from several goroutines.
func (e *Engine) Init() {
	e.once.Do(func() {
		go e.setup()
	})
}

// Ready returns a channel that is closed once the setup has finished, either
// successfully or not.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Wait blocks until the engine is ready or the context is done. It returns
// the setup error, if any.
func (e *Engine) Wait(ctx context.Context) error {
	e.Init()
	select {
	case <-e.ready:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the engine can be used.
func (e *Engine) IsReady() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// Depth returns the tree depth the zero cache was built for.
func (e *Engine) Depth() int {
	return e.depth
}

func (e *Engine) setup() {
	defer close(e.ready)
	if e.depth <= 0 {
		e.err = fmt.Errorf("invalid tree depth %d", e.depth)
		return
	}
	h, err := poseidon.Hash([]*big.Int{big.NewInt(0), big.NewInt(0)})
	if err != nil {
		e.err = fmt.Errorf("poseidon self check: %w", err)
		return
	}
	if h.Cmp(zeroPairHash) != 0 {
		e.err = fmt.Errorf("poseidon self check: unexpected H(0,0) %x", h)
		return
	}
	zeros := make([]*big.Int, e.depth+1)
	zeros[0] = big.NewInt(0)
	for i := 1; i <= e.depth; i++ {
		if zeros[i], err = poseidon.Hash([]*big.Int{zeros[i-1], zeros[i-1]}); err != nil {
			e.err = fmt.Errorf("zero cache level %d: %w", i, err)
			return
		}
	}
	e.zeros = zeros
	log.Debugw("poseidon engine ready", "depth", e.depth, "zeroRoot", crypto.FieldToHex(zeros[e.depth]))
}

// HashPair returns Poseidon(a, b). Both inputs are reduced to the field
// before hashing.
func (e *Engine) HashPair(a, b *big.Int) (*big.Int, error) {
	if !e.IsReady() {
		return nil, ErrUninitializedEngine
	}
	if a == nil || b == nil {
		return nil, fmt.Errorf("nil input")
	}
	return poseidon.Hash([]*big.Int{crypto.BigToFF(a), crypto.BigToFF(b)})
}

// HashHex hashes two field elements given as strings in any of the formats
// accepted by crypto.ParseField and returns the canonical hex result.
func (e *Engine) HashHex(a, b string) (string, error) {
	av, err := crypto.ParseField(a)
	if err != nil {
		return "", err
	}
	bv, err := crypto.ParseField(b)
	if err != nil {
		return "", err
	}
	h, err := e.HashPair(av, bv)
	if err != nil {
		return "", err
	}
	return crypto.FieldToHex(h), nil
}

// Zero returns a copy of the zero value of the given level.
func (e *Engine) Zero(level int) (*big.Int, error) {
	if !e.IsReady() {
		return nil, ErrUninitializedEngine
	}
	if level < 0 || level > e.depth {
		return nil, fmt.Errorf("level %d out of range [0, %d]", level, e.depth)
	}
	return new(big.Int).Set(e.zeros[level]), nil
}

// Zeros returns a copy of the whole zero cache, depth+1 entries.
func (e *Engine) Zeros() ([]*big.Int, error) {
	if !e.IsReady() {
		return nil, ErrUninitializedEngine
	}
	out := make([]*big.Int, len(e.zeros))
	for i, z := range e.zeros {
		out[i] = new(big.Int).Set(z)
	}
	return out, nil
}
