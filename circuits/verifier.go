package circuits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/metrics"
)

// DefaultVerifyTimeout bounds a single proof verification.
const DefaultVerifyTimeout = 10 * time.Second

// ErrVerifyTimeout is returned when the verification does not finish before
// the context deadline. Unlike an invalid proof, it can be retried.
var ErrVerifyTimeout = errors.New("proof verification timed out")

// VerificationKey is a Groth16 verification key over BN254.
type VerificationKey struct {
	NPublic int
	Alpha   bn254.G1Affine
	Beta    bn254.G2Affine
	Gamma   bn254.G2Affine
	Delta   bn254.G2Affine
	// IC holds NPublic+1 points, IC[0] is the constant term.
	IC []bn254.G1Affine
}

// Proof is a Groth16 proof over BN254.
type Proof struct {
	A bn254.G1Affine
	B bn254.G2Affine
	C bn254.G1Affine
}

// VerificationResult is the outcome of a verification. Reason is empty when
// the proof is valid.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(format string, args ...any) VerificationResult {
	return VerificationResult{Reason: fmt.Sprintf(format, args...)}
}

// snarkjsKey is the verification_key.json layout written by snarkjs.
type snarkjsKey struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	Alpha    []string   `json:"vk_alpha_1"`
	Beta     [][]string `json:"vk_beta_2"`
	Gamma    [][]string `json:"vk_gamma_2"`
	Delta    [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}

// snarkjsProof is the proof.json layout written by snarkjs.
type snarkjsProof struct {
	A        []string   `json:"pi_a"`
	B        [][]string `json:"pi_b"`
	C        []string   `json:"pi_c"`
	Protocol string     `json:"protocol,omitempty"`
	Curve    string     `json:"curve,omitempty"`
}

// LoadVerificationKey parses a snarkjs Groth16 verification key.
func LoadVerificationKey(data []byte) (*VerificationKey, error) {
	raw := &snarkjsKey{}
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	if raw.Protocol != "" && raw.Protocol != "groth16" {
		return nil, fmt.Errorf("unsupported protocol %q", raw.Protocol)
	}
	if raw.Curve != "" && raw.Curve != "bn128" && raw.Curve != "bn254" {
		return nil, fmt.Errorf("unsupported curve %q", raw.Curve)
	}
	if raw.NPublic < 1 || len(raw.IC) != raw.NPublic+1 {
		return nil, fmt.Errorf("verification key has %d IC points for %d public inputs", len(raw.IC), raw.NPublic)
	}
	vk := &VerificationKey{NPublic: raw.NPublic, IC: make([]bn254.G1Affine, len(raw.IC))}
	var err error
	if vk.Alpha, err = parseG1(raw.Alpha); err != nil {
		return nil, fmt.Errorf("vk_alpha_1: %w", err)
	}
	if vk.Beta, err = parseG2(raw.Beta); err != nil {
		return nil, fmt.Errorf("vk_beta_2: %w", err)
	}
	if vk.Gamma, err = parseG2(raw.Gamma); err != nil {
		return nil, fmt.Errorf("vk_gamma_2: %w", err)
	}
	if vk.Delta, err = parseG2(raw.Delta); err != nil {
		return nil, fmt.Errorf("vk_delta_2: %w", err)
	}
	for i, p := range raw.IC {
		if vk.IC[i], err = parseG1(p); err != nil {
			return nil, fmt.Errorf("IC[%d]: %w", i, err)
		}
	}
	return vk, nil
}

// ParseProof parses a snarkjs Groth16 proof.
func ParseProof(data []byte) (*Proof, error) {
	raw := &snarkjsProof{}
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	if raw.Protocol != "" && raw.Protocol != "groth16" {
		return nil, fmt.Errorf("unsupported protocol %q", raw.Protocol)
	}
	p := &Proof{}
	var err error
	if p.A, err = parseG1(raw.A); err != nil {
		return nil, fmt.Errorf("pi_a: %w", err)
	}
	if p.B, err = parseG2(raw.B); err != nil {
		return nil, fmt.Errorf("pi_b: %w", err)
	}
	if p.C, err = parseG1(raw.C); err != nil {
		return nil, fmt.Errorf("pi_c: %w", err)
	}
	return p, nil
}

// Verify checks a Groth16 proof against the key and the public signals. It
// fails closed: any malformed input gives an invalid result.
//
//	e(-A, B) * e(alpha, beta) * e(vk_x, gamma) * e(C, delta) == 1
func Verify(vk *VerificationKey, publicSignals []string, proof *Proof) VerificationResult {
	if vk == nil || proof == nil {
		return invalid("missing verification key or proof")
	}
	if len(publicSignals) != vk.NPublic {
		return invalid("expected %d public signals, got %d", vk.NPublic, len(publicSignals))
	}
	vkx := vk.IC[0]
	for i, s := range publicSignals {
		v, err := crypto.ParseSignal(s)
		if err != nil {
			return invalid("public signal %d: %v", i, err)
		}
		var term bn254.G1Affine
		term.ScalarMultiplication(&vk.IC[i+1], v)
		vkx.Add(&vkx, &term)
	}
	var negA bn254.G1Affine
	negA.Neg(&proof.A)
	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{negA, vk.Alpha, vkx, proof.C},
		[]bn254.G2Affine{proof.B, vk.Beta, vk.Gamma, vk.Delta},
	)
	if err != nil {
		return invalid("pairing: %v", err)
	}
	if !ok {
		return invalid("pairing check failed")
	}
	return VerificationResult{Valid: true}
}

// Verifier holds a verification key loaded once and bounds every
// verification with a timeout.
type Verifier struct {
	vk      *VerificationKey
	timeout time.Duration
}

// NewVerifier returns a verifier for vk. A zero timeout uses
// DefaultVerifyTimeout.
func NewVerifier(vk *VerificationKey, timeout time.Duration) (*Verifier, error) {
	if vk == nil {
		return nil, fmt.Errorf("nil verification key")
	}
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &Verifier{vk: vk, timeout: timeout}, nil
}

// NPublic returns the number of public signals expected by the key.
func (v *Verifier) NPublic() int {
	return v.vk.NPublic
}

// Verify parses the snarkjs proof and verifies it. The error is only set on
// timeout or cancellation. A malformed or wrong proof gives an invalid
// result.
func (v *Verifier) Verify(ctx context.Context, proof json.RawMessage, publicSignals []string) (VerificationResult, error) {
	p, err := ParseProof(proof)
	if err != nil {
		return invalid("%v", err), nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan VerificationResult, 1)
	go func() {
		done <- Verify(v.vk, publicSignals, p)
	}()
	select {
	case res := <-done:
		metrics.ProofVerifyDuration.Observe(time.Since(start).Seconds())
		if !res.Valid {
			log.Debugw("proof rejected", "reason", res.Reason)
		}
		return res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return VerificationResult{}, ErrVerifyTimeout
		}
		return VerificationResult{}, ctx.Err()
	}
}

// parseCoord parses a decimal (or 0x hex) base field coordinate.
func parseCoord(s string) (fp.Element, error) {
	var e fp.Element
	base := 10
	if strings.HasPrefix(s, "0x") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 || v.Cmp(fp.Modulus()) >= 0 {
		return e, fmt.Errorf("invalid coordinate %q", s)
	}
	e.SetBigInt(v)
	return e, nil
}

// parseG1 parses a projective [x, y, z] point with z in {0, 1}.
func parseG1(p []string) (bn254.G1Affine, error) {
	var out bn254.G1Affine
	if len(p) != 3 && len(p) != 2 {
		return out, fmt.Errorf("expected 3 coordinates, got %d", len(p))
	}
	if len(p) == 3 {
		switch p[2] {
		case "0":
			return out, nil
		case "1":
		default:
			return out, fmt.Errorf("unsupported z coordinate %q", p[2])
		}
	}
	var err error
	if out.X, err = parseCoord(p[0]); err != nil {
		return out, err
	}
	if out.Y, err = parseCoord(p[1]); err != nil {
		return out, err
	}
	if !out.IsOnCurve() || !out.IsInSubGroup() {
		return out, fmt.Errorf("point not in G1")
	}
	return out, nil
}

// parseG2 parses a projective [[x0, x1], [y0, y1], [z0, z1]] point.
func parseG2(p [][]string) (bn254.G2Affine, error) {
	var out bn254.G2Affine
	if len(p) != 3 && len(p) != 2 {
		return out, fmt.Errorf("expected 3 coordinates, got %d", len(p))
	}
	for _, c := range p {
		if len(c) != 2 {
			return out, fmt.Errorf("expected 2 limbs per coordinate")
		}
	}
	if len(p) == 3 {
		switch {
		case p[2][0] == "0" && p[2][1] == "0":
			return out, nil
		case p[2][0] == "1" && p[2][1] == "0":
		default:
			return out, fmt.Errorf("unsupported z coordinate %v", p[2])
		}
	}
	var err error
	if out.X.A0, err = parseCoord(p[0][0]); err != nil {
		return out, err
	}
	if out.X.A1, err = parseCoord(p[0][1]); err != nil {
		return out, err
	}
	if out.Y.A0, err = parseCoord(p[1][0]); err != nil {
		return out, err
	}
	if out.Y.A1, err = parseCoord(p[1][1]); err != nil {
		return out, err
	}
	if !out.IsOnCurve() || !out.IsInSubGroup() {
		return out, fmt.Errorf("point not in G2")
	}
	return out, nil
}
