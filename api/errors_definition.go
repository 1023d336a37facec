//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400, 403, 404 or 409, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX
// If you notice there's a gap (say, error code 4010, 4011 and 4013 exist, 4012 is missing) DON'T fill in the gap,
// that code was used in the past for some error (not anymore) and shouldn't be reused.
// There's no correlation between Code and HTTP Status.
var (
	ErrResourceNotFound    = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody       = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedCommitment = Error{Code: 40010, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed commitment")}
	ErrInvalidWithdrawal   = Error{Code: 40011, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid withdrawal request")}
	ErrInvalidProof        = Error{Code: 40012, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid proof")}
	ErrForbidden           = Error{Code: 40301, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("endpoint only reachable from allowed addresses")}
	ErrStaleRoot           = Error{Code: 40901, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("stale root")}
	ErrDuplicateCommitment = Error{Code: 40902, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("commitment already in the tree")}
	ErrCommitmentTreeFull  = Error{Code: 40903, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("commitment tree is full")}
	ErrDepositNotOnChain   = Error{Code: 40904, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("deposit not found on chain yet")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrChainSubmission            = Error{Code: 50003, HTTPstatus: http.StatusBadGateway, Err: fmt.Errorf("chain submission failed")}
	ErrEncoding                   = Error{Code: 50004, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("withdrawal encoding failed")}
	ErrNotReady                   = Error{Code: 50301, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("relayer not ready")}
	ErrTimeout                    = Error{Code: 50302, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("request timed out, retry later")}
)
