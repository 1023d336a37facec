package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vocdoni/stx-mixer-relayer/types"
)

// RootResponse is the response of GET /root.
type RootResponse struct {
	Root string `json:"root"`
}

// ProofPath is the Merkle path in the layout expected by the withdrawal
// circuit inputs.
type ProofPath struct {
	PathElements []string `json:"pathElements"`
	PathIndices  []int    `json:"pathIndices"`
}

// ProofResponse is the response of GET /proof/{commitment}.
type ProofResponse struct {
	Proof      ProofPath `json:"proof"`
	Commitment string    `json:"commitment"`
	LeafIndex  uint64    `json:"leafIndex"`
	Root       string    `json:"root"`
}

// Amount is a micro unit amount. It accepts a JSON number or a decimal
// string, since browsers lose precision above 2^53.
type Amount uint64

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", data)
	}
	*a = Amount(v)
	return nil
}

// WithdrawRequest is the body of POST /withdraw.
type WithdrawRequest struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals []string        `json:"publicSignals"`
	NullifierHash string          `json:"nullifierHash"`
	Recipient     string          `json:"recipient"`
	Amount        Amount          `json:"amount"`
	Root          string          `json:"root"`
}

// WithdrawResponse is the response of an accepted withdrawal.
type WithdrawResponse struct {
	Success       bool           `json:"success"`
	TxID          string         `json:"txid"`
	NullifierHash string         `json:"nullifierHash"`
	Root          string         `json:"root"`
	Signature     types.HexBytes `json:"signature"`
}

// DepositEvent is the body of POST /deposit-event.
type DepositEvent struct {
	Commitment string `json:"commitment"`
}

// DepositEventResponse is the response of POST /deposit-event.
type DepositEventResponse struct {
	Success   bool   `json:"success"`
	LeafIndex uint64 `json:"leafIndex"`
	Root      string `json:"root"`
}

// IndexerStats is the indexer section of the stats.
type IndexerStats struct {
	State           string `json:"state"`
	LastTxID        string `json:"lastTxId,omitempty"`
	LastBlockHeight uint64 `json:"lastBlockHeight"`
	ProcessedEvents uint64 `json:"processedEvents"`
	PendingRoot     string `json:"pendingRoot,omitempty"`
}

// Stats is the response of GET /stats.
type Stats struct {
	TotalDeposits  uint64        `json:"totalDeposits"`
	CurrentRoot    string        `json:"currentRoot"`
	RelayerAddress string        `json:"relayerAddress"`
	Network        string        `json:"network,omitempty"`
	Contract       string        `json:"contract,omitempty"`
	Indexer        *IndexerStats `json:"indexer,omitempty"`
}
