package indexer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/vocdoni/stx-mixer-relayer/stacks"
	"github.com/vocdoni/stx-mixer-relayer/stacks/rpc"
	"github.com/vocdoni/stx-mixer-relayer/tree"
)

const (
	eventTypeContractLog = "smart_contract_log"
	depositEventName     = "deposit"
)

// errNotDeposit marks print events that are well formed but are not
// deposits. They are skipped without being counted as malformed.
var errNotDeposit = errors.New("not a deposit event")

// DepositEvent is a deposit parsed from a contract print event.
type DepositEvent struct {
	Commitment string
	Amount     uint64
	// Sequence is the leaf index assigned by the contract, if it prints one.
	Sequence    *uint64
	BlockHeight uint64
	TxID        string
	EventIndex  uint64
}

// ParseDeposit extracts a deposit from a contract event. The hex serialized
// value is decoded first and the repr is used as a fallback.
func ParseDeposit(ev *rpc.Event) (*DepositEvent, error) {
	if ev.EventType != eventTypeContractLog || ev.ContractLog == nil {
		return nil, errNotDeposit
	}
	var (
		d   *DepositEvent
		err error
		lv  = ev.ContractLog.Value
	)
	switch {
	case lv.Hex != "":
		d, err = parseHexValue(lv.Hex)
		if err != nil && !errors.Is(err, errNotDeposit) && lv.Repr != "" {
			if rd, rerr := parseRepr(lv.Repr); rerr == nil {
				d, err = rd, nil
			}
		}
	case lv.Repr != "":
		d, err = parseRepr(lv.Repr)
	default:
		return nil, fmt.Errorf("empty event value")
	}
	if err != nil {
		return nil, err
	}
	d.TxID = ev.TxID
	d.EventIndex = ev.EventIndex
	d.BlockHeight = ev.BlockHeight
	return d, nil
}

func parseHexValue(s string) (*DepositEvent, error) {
	v, err := stacks.DeserializeHex(s)
	if err != nil {
		return nil, err
	}
	tuple, ok := v.(stacks.Tuple)
	if !ok {
		return nil, errNotDeposit
	}
	if name, ok := tuple.Get("event"); ok {
		str, ok := name.(stacks.StringASCII)
		if !ok || string(str) != depositEventName {
			return nil, errNotDeposit
		}
	}
	cv, ok := tuple.Get("commitment")
	if !ok {
		return nil, errNotDeposit
	}
	buf, ok := cv.(stacks.Buffer)
	if !ok || len(buf) != 32 {
		return nil, fmt.Errorf("commitment is not a 32 byte buffer: %s", stacks.Repr(cv))
	}
	commitment, _, err := tree.ParseCommitment(hex.EncodeToString(buf))
	if err != nil {
		return nil, err
	}
	d := &DepositEvent{Commitment: commitment}
	if av, ok := tuple.Get("amount"); ok {
		if d.Amount, err = uintValue(av); err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
	}
	for _, key := range []string{"leaf-index", "index"} {
		iv, ok := tuple.Get(key)
		if !ok {
			continue
		}
		seq, err := uintValue(iv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		d.Sequence = &seq
		break
	}
	return d, nil
}

func uintValue(v stacks.Value) (uint64, error) {
	u, ok := v.(stacks.UInt)
	if !ok {
		return 0, fmt.Errorf("expected uint, got %s", stacks.Repr(v))
	}
	if !u.V.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", u.V)
	}
	return u.V.Uint64(), nil
}

var (
	reprEvent      = regexp.MustCompile(`\(event "([^"]*)"\)`)
	reprCommitment = regexp.MustCompile(`\(commitment 0x([0-9a-fA-F]+)\)`)
	reprAmount     = regexp.MustCompile(`\(amount u([0-9]+)\)`)
	reprIndex      = regexp.MustCompile(`\((?:leaf-index|index) u([0-9]+)\)`)
)

// parseRepr reads a deposit out of a tuple repr such as
// (tuple (amount u100) (commitment 0x..) (event "deposit") (leaf-index u3)).
func parseRepr(s string) (*DepositEvent, error) {
	if m := reprEvent.FindStringSubmatch(s); m != nil && m[1] != depositEventName {
		return nil, errNotDeposit
	}
	m := reprCommitment.FindStringSubmatch(s)
	if m == nil {
		return nil, errNotDeposit
	}
	commitment, _, err := tree.ParseCommitment(m[1])
	if err != nil {
		return nil, err
	}
	d := &DepositEvent{Commitment: commitment}
	if m := reprAmount.FindStringSubmatch(s); m != nil {
		if d.Amount, err = strconv.ParseUint(m[1], 10, 64); err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
	}
	if m := reprIndex.FindStringSubmatch(s); m != nil {
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("leaf index: %w", err)
		}
		d.Sequence = &seq
	}
	return d, nil
}
