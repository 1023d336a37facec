package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/tree"
)

// treeError maps the tree errors to the API errors.
func treeError(err error) Error {
	switch {
	case errors.Is(err, tree.ErrInvalidCommitment):
		return ErrMalformedCommitment.WithErr(err)
	case errors.Is(err, tree.ErrCommitmentNotFound):
		return ErrResourceNotFound.WithErr(err)
	case errors.Is(err, tree.ErrDuplicateCommitment):
		return ErrDuplicateCommitment.WithErr(err)
	case errors.Is(err, tree.ErrTreeFull):
		return ErrCommitmentTreeFull
	case errors.Is(err, poseidon.ErrUninitializedEngine):
		return ErrNotReady.WithErr(err)
	default:
		return ErrGenericInternalServerError.WithErr(err)
	}
}

// root returns the current root of the commitment tree
// GET /root
func (a *API) root(w http.ResponseWriter, r *http.Request) {
	root, err := a.conf.Tree.Root()
	if err != nil {
		treeError(err).Write(w)
		return
	}
	httpWriteJSON(w, &RootResponse{Root: root})
}

// proof returns the inclusion proof of a commitment
// GET /proof/{commitment}
func (a *API) proof(w http.ResponseWriter, r *http.Request) {
	p, err := a.conf.Tree.Proof(chi.URLParam(r, CommitmentURLParam))
	if err != nil {
		treeError(err).Write(w)
		return
	}
	httpWriteJSON(w, &ProofResponse{
		Proof: ProofPath{
			PathElements: p.PathElements,
			PathIndices:  p.PathIndices,
		},
		Commitment: p.Leaf,
		LeafIndex:  p.LeafIndex,
		Root:       p.Root,
	})
}

// stats returns the relayer status
// GET /stats
func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	root, count, err := a.conf.Tree.RootAndCount()
	if err != nil {
		treeError(err).Write(w)
		return
	}
	stats := &Stats{
		TotalDeposits:  count,
		CurrentRoot:    root,
		RelayerAddress: a.conf.RelayerAddress,
		Network:        a.conf.Network,
		Contract:       a.conf.Contract,
	}
	if a.conf.Indexer != nil {
		cursor := a.conf.Indexer.Cursor()
		stats.Indexer = &IndexerStats{
			State:           a.conf.Indexer.State().String(),
			LastTxID:        cursor.LastTxID,
			LastBlockHeight: cursor.LastBlockHeight,
			ProcessedEvents: cursor.Processed,
			PendingRoot:     a.conf.Indexer.PendingRoot(),
		}
	}
	httpWriteJSON(w, stats)
}
