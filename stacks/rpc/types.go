package rpc

import "fmt"

// NodeInfo is a subset of the /v2/info response.
type NodeInfo struct {
	PeerVersion     uint64 `json:"peer_version"`
	NetworkID       uint32 `json:"network_id"`
	StacksTipHeight uint64 `json:"stacks_tip_height"`
	BurnBlockHeight uint64 `json:"burn_block_height"`
	ServerVersion   string `json:"server_version"`
}

// EventsPage is a page of contract events.
type EventsPage struct {
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
	Total   int     `json:"total,omitempty"`
	Results []Event `json:"results"`
}

// Event is a transaction event. Only smart_contract_log events carry a
// ContractLog.
type Event struct {
	EventIndex  uint64       `json:"event_index"`
	EventType   string       `json:"event_type"`
	TxID        string       `json:"tx_id"`
	BlockHeight uint64       `json:"block_height,omitempty"`
	ContractLog *ContractLog `json:"contract_log,omitempty"`
}

// ContractLog is the payload of a print event.
type ContractLog struct {
	ContractID string   `json:"contract_id"`
	Topic      string   `json:"topic"`
	Value      LogValue `json:"value"`
}

// LogValue holds the printed value, hex serialized and as text.
type LogValue struct {
	Hex  string `json:"hex"`
	Repr string `json:"repr"`
}

// Transaction is a subset of the extended transaction response.
type Transaction struct {
	TxID        string `json:"tx_id"`
	TxStatus    string `json:"tx_status"`
	BlockHeight uint64 `json:"block_height"`
	Nonce       uint64 `json:"nonce"`
}

// Account is a subset of the /v2/accounts response.
type Account struct {
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// ReadOnlyRequest is the body of a read-only function call.
type ReadOnlyRequest struct {
	Sender    string   `json:"sender"`
	Arguments []string `json:"arguments"`
}

// ReadOnlyResponse is the answer of a read-only function call.
type ReadOnlyResponse struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// BroadcastRejection is returned by the node when a transaction is not
// accepted in the mempool.
type BroadcastRejection struct {
	Err    string `json:"error"`
	Reason string `json:"reason"`
	TxID   string `json:"txid"`
}

func (r *BroadcastRejection) Error() string {
	return fmt.Sprintf("transaction rejected: %s (%s)", r.Err, r.Reason)
}
