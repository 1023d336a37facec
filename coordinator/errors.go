package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed requests. They are not retried.
	ErrValidation = errors.New("invalid withdrawal request")
	// ErrProofInvalid is returned when the proof does not verify against
	// the public signals. It is terminal.
	ErrProofInvalid = errors.New("invalid proof")
	// ErrStaleRoot is returned when the proof was built against a root that
	// is not the current one. The client can retry with a fresh proof.
	ErrStaleRoot = errors.New("stale root")
	// ErrChainSubmission is returned when the withdraw transaction could not
	// be broadcast.
	ErrChainSubmission = errors.New("chain submission failed")
	// ErrTimeout is returned when the verification or the submission did not
	// finish in time.
	ErrTimeout = errors.New("timeout")
)

// StaleRootError carries the current root so the caller can refresh its
// proof.
type StaleRootError struct {
	Claimed string
	Current string
}

func (e *StaleRootError) Error() string {
	return fmt.Sprintf("stale root %s, current root is %s", e.Claimed, e.Current)
}

func (*StaleRootError) Unwrap() error {
	return ErrStaleRoot
}
