package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vocdoni/stx-mixer-relayer/coordinator"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/signer"
)

// maxBodySize bounds the request bodies. A snarkjs proof with its signals
// is a few KiB.
const maxBodySize = 64 << 10

// withdrawError maps the coordinator errors to the API errors.
func withdrawError(err error) Error {
	var stale *coordinator.StaleRootError
	switch {
	case errors.As(err, &stale):
		return ErrStaleRoot.WithErr(err).WithField("currentRoot", stale.Current)
	case errors.Is(err, coordinator.ErrValidation):
		return ErrInvalidWithdrawal.WithErr(err)
	case errors.Is(err, coordinator.ErrProofInvalid):
		return ErrInvalidProof.WithErr(err)
	case errors.Is(err, coordinator.ErrTimeout):
		return ErrTimeout.WithErr(err)
	case errors.Is(err, coordinator.ErrChainSubmission):
		return ErrChainSubmission.WithErr(err)
	case errors.Is(err, signer.ErrEncoding):
		return ErrEncoding
	default:
		return treeError(err)
	}
}

// withdraw verifies a withdrawal proof and submits the withdraw transaction
// POST /withdraw
func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	req := &WithdrawRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	res, err := a.conf.Withdrawals.Withdraw(r.Context(), &coordinator.Request{
		Proof:         req.Proof,
		PublicSignals: req.PublicSignals,
		NullifierHash: req.NullifierHash,
		Recipient:     req.Recipient,
		Amount:        uint64(req.Amount),
		Root:          req.Root,
	})
	if err != nil {
		apiErr := withdrawError(err)
		if apiErr.HTTPstatus >= http.StatusInternalServerError {
			log.Warnw("withdrawal failed", "error", err, "nullifierHash", req.NullifierHash)
		}
		apiErr.Write(w)
		return
	}
	httpWriteJSON(w, &WithdrawResponse{
		Success:       true,
		TxID:          res.TxID,
		NullifierHash: res.NullifierHash,
		Root:          res.Root,
		Signature:     res.Signature,
	})
}
