package types

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestHexBytesJSON(t *testing.T) {
	c := qt.New(t)
	b := HexBytes{0x01, 0xab}
	data, err := json.Marshal(b)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, `"0x01ab"`)

	var out HexBytes
	c.Assert(json.Unmarshal([]byte(`"01ab"`), &out), qt.IsNil)
	c.Assert(out, qt.DeepEquals, b)
	c.Assert(out.LeftPad(4), qt.DeepEquals, HexBytes{0, 0, 0x01, 0xab})
	c.Assert(json.Unmarshal([]byte(`"0xzz"`), &out), qt.Not(qt.IsNil))
}
