package circuits

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	qt "github.com/frankban/quicktest"
)

var testSignals = []string{"12345", "67890", "42", "1000000"}

func g1JSON(p bn254.G1Affine) []string {
	return []string{p.X.BigInt(new(big.Int)).String(), p.Y.BigInt(new(big.Int)).String(), "1"}
}

func g2JSON(p bn254.G2Affine) [][]string {
	return [][]string{
		{p.X.A0.BigInt(new(big.Int)).String(), p.X.A1.BigInt(new(big.Int)).String()},
		{p.Y.A0.BigInt(new(big.Int)).String(), p.Y.A1.BigInt(new(big.Int)).String()},
		{"1", "0"},
	}
}

func scalar(v uint64) *fr.Element {
	e := new(fr.Element)
	e.SetUint64(v)
	return e
}

func g1Mul(e *fr.Element) bn254.G1Affine {
	_, _, g1, _ := bn254.Generators()
	var p bn254.G1Affine
	p.ScalarMultiplication(&g1, e.BigInt(new(big.Int)))
	return p
}

func g2Mul(e *fr.Element) bn254.G2Affine {
	_, _, _, g2 := bn254.Generators()
	var p bn254.G2Affine
	p.ScalarMultiplication(&g2, e.BigInt(new(big.Int)))
	return p
}

// testKeyAndProof builds a verification key from known trapdoor scalars and a
// proof that satisfies the pairing equation for testSignals:
// a*b = alpha*beta + x*gamma + c*delta, with x = k0 + sum(s_i * k_i).
func testKeyAndProof(c *qt.C) (vkJSON, proofJSON []byte) {
	a, b := scalar(5), scalar(7)
	alpha, beta, gamma, delta := scalar(3), scalar(11), scalar(13), scalar(17)
	ks := make([]*fr.Element, len(testSignals)+1)
	for i := range ks {
		ks[i] = scalar(uint64(19 + i))
	}
	x := new(fr.Element).Set(ks[0])
	for i, s := range testSignals {
		v, ok := new(big.Int).SetString(s, 10)
		c.Assert(ok, qt.IsTrue)
		var sv, term fr.Element
		sv.SetBigInt(v)
		term.Mul(&sv, ks[i+1])
		x.Add(x, &term)
	}
	var ab, ab2, xg, cs, dInv fr.Element
	ab.Mul(a, b)
	ab2.Mul(alpha, beta)
	xg.Mul(x, gamma)
	cs.Sub(&ab, &ab2)
	cs.Sub(&cs, &xg)
	dInv.Inverse(delta)
	cs.Mul(&cs, &dInv)

	ic := make([][]string, len(ks))
	for i, k := range ks {
		ic[i] = g1JSON(g1Mul(k))
	}
	vkJSON, err := json.Marshal(map[string]any{
		"protocol":   "groth16",
		"curve":      "bn128",
		"nPublic":    len(testSignals),
		"vk_alpha_1": g1JSON(g1Mul(alpha)),
		"vk_beta_2":  g2JSON(g2Mul(beta)),
		"vk_gamma_2": g2JSON(g2Mul(gamma)),
		"vk_delta_2": g2JSON(g2Mul(delta)),
		"IC":         ic,
	})
	c.Assert(err, qt.IsNil)
	proofJSON, err = json.Marshal(map[string]any{
		"pi_a":     g1JSON(g1Mul(a)),
		"pi_b":     g2JSON(g2Mul(b)),
		"pi_c":     g1JSON(g1Mul(&cs)),
		"protocol": "groth16",
		"curve":    "bn128",
	})
	c.Assert(err, qt.IsNil)
	return vkJSON, proofJSON
}

func TestVerifyValidProof(t *testing.T) {
	c := qt.New(t)
	vkJSON, proofJSON := testKeyAndProof(c)
	vk, err := LoadVerificationKey(vkJSON)
	c.Assert(err, qt.IsNil)
	c.Assert(vk.NPublic, qt.Equals, 4)
	proof, err := ParseProof(proofJSON)
	c.Assert(err, qt.IsNil)

	res := Verify(vk, testSignals, proof)
	c.Assert(res.Valid, qt.IsTrue, qt.Commentf("%s", res.Reason))
	c.Assert(res.Reason, qt.Equals, "")
}

func TestVerifyTamperedSignal(t *testing.T) {
	c := qt.New(t)
	vkJSON, proofJSON := testKeyAndProof(c)
	vk, err := LoadVerificationKey(vkJSON)
	c.Assert(err, qt.IsNil)
	proof, err := ParseProof(proofJSON)
	c.Assert(err, qt.IsNil)

	for i := range testSignals {
		tampered := append([]string(nil), testSignals...)
		v, _ := new(big.Int).SetString(tampered[i], 10)
		tampered[i] = new(big.Int).Xor(v, big.NewInt(1)).String()
		res := Verify(vk, tampered, proof)
		c.Assert(res.Valid, qt.IsFalse)
		c.Assert(res.Reason, qt.Equals, "pairing check failed")
	}

	res := Verify(vk, testSignals[:3], proof)
	c.Assert(res.Valid, qt.IsFalse)
	c.Assert(res.Reason, qt.Matches, "expected 4 public signals.*")

	res = Verify(vk, []string{"1", "2", "3", "not-a-number"}, proof)
	c.Assert(res.Valid, qt.IsFalse)

	res = Verify(vk, []string{"1", "2", "3", fr.Modulus().String()}, proof)
	c.Assert(res.Valid, qt.IsFalse)

	res = Verify(nil, testSignals, proof)
	c.Assert(res.Valid, qt.IsFalse)
}

func TestVerifierMalformedProof(t *testing.T) {
	c := qt.New(t)
	vkJSON, proofJSON := testKeyAndProof(c)
	vk, err := LoadVerificationKey(vkJSON)
	c.Assert(err, qt.IsNil)
	v, err := NewVerifier(vk, time.Minute)
	c.Assert(err, qt.IsNil)
	c.Assert(v.NPublic(), qt.Equals, 4)

	res, err := v.Verify(context.Background(), proofJSON, testSignals)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Valid, qt.IsTrue)

	for _, bad := range []string{
		`{`,
		`{"pi_a":["1","2","1"],"pi_b":[["1","2"],["3","4"],["1","0"]],"pi_c":["1","2","1"]}`,
		`{"pi_a":["1"],"pi_b":[],"pi_c":[]}`,
		`{"protocol":"plonk"}`,
	} {
		res, err := v.Verify(context.Background(), json.RawMessage(bad), testSignals)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Valid, qt.IsFalse, qt.Commentf("%s", bad))
		c.Assert(res.Reason, qt.Not(qt.Equals), "")
	}
}

func TestVerifierDeadline(t *testing.T) {
	c := qt.New(t)
	vkJSON, proofJSON := testKeyAndProof(c)
	vk, err := LoadVerificationKey(vkJSON)
	c.Assert(err, qt.IsNil)
	v, err := NewVerifier(vk, 0)
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = v.Verify(ctx, proofJSON, testSignals)
	c.Assert(err, qt.ErrorIs, ErrVerifyTimeout)

	_, err = NewVerifier(nil, 0)
	c.Assert(err, qt.IsNotNil)
}

func TestLoadVerificationKeyErrors(t *testing.T) {
	c := qt.New(t)
	vkJSON, _ := testKeyAndProof(c)
	raw := map[string]any{}
	c.Assert(json.Unmarshal(vkJSON, &raw), qt.IsNil)

	raw["nPublic"] = 5
	b, _ := json.Marshal(raw)
	_, err := LoadVerificationKey(b)
	c.Assert(err, qt.ErrorMatches, ".*IC points.*")

	raw["nPublic"] = 4
	raw["protocol"] = "plonk"
	b, _ = json.Marshal(raw)
	_, err = LoadVerificationKey(b)
	c.Assert(err, qt.ErrorMatches, "unsupported protocol.*")

	raw["protocol"] = "groth16"
	raw["vk_alpha_1"] = []string{"1", "3", "1"}
	b, _ = json.Marshal(raw)
	_, err = LoadVerificationKey(b)
	c.Assert(err, qt.ErrorMatches, "vk_alpha_1: point not in G1")

	_, err = LoadVerificationKey([]byte("nope"))
	c.Assert(err, qt.IsNotNil)
}
