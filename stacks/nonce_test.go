package stacks

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestNonceManager(t *testing.T) {
	c := qt.New(t)
	api := &fakeAPI{nonce: 10}
	m := NewNonceManager(api, "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM")
	ctx := context.Background()

	n, err := m.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(10))
	n, err = m.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(11))

	// only the last nonce can be released
	m.Release(10)
	m.Release(11)
	n, err = m.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(11))

	// sync never goes backwards
	api.nonce = 5
	_, err = m.Sync(ctx)
	c.Assert(err, qt.IsNil)
	n, err = m.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(12))

	api.nonce = 20
	_, err = m.Sync(ctx)
	c.Assert(err, qt.IsNil)
	n, err = m.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(20))
}
