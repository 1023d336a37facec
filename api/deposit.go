package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vocdoni/stx-mixer-relayer/indexer"
	"github.com/vocdoni/stx-mixer-relayer/log"
)

// depositEvent syncs the tree with the contract deposits and returns the
// leaf index of the reported commitment
// POST /deposit-event
func (a *API) depositEvent(w http.ResponseWriter, r *http.Request) {
	ev := &DepositEvent{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(ev); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	if ev.Commitment == "" {
		ErrMalformedCommitment.With("missing commitment").Write(w)
		return
	}
	idx, root, err := a.conf.Deposits.AddDeposit(r.Context(), ev.Commitment)
	if errors.Is(err, indexer.ErrDepositNotOnChain) {
		ErrDepositNotOnChain.WithErr(err).Write(w)
		return
	}
	if err != nil {
		treeError(err).Write(w)
		return
	}
	log.Infow("deposit added by request", "commitment", ev.Commitment, "leafIndex", idx, "root", root)
	httpWriteJSON(w, &DepositEventResponse{
		Success:   true,
		LeafIndex: idx,
		Root:      root,
	})
}
