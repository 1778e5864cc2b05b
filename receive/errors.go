// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrTransport indicates a network or HTTP failure talking to the
	// relay or directory. Unless the error is in flight, nothing was
	// committed and the request may be retried.
	ErrTransport ErrorCode = iota

	// ErrProtocol indicates malformed or unexpected envelope bytes. The
	// session is failed and must be abandoned.
	ErrProtocol

	// ErrExpiredSession indicates the session lifetime elapsed. A new
	// session must be established.
	ErrExpiredSession

	// ErrValidationRejected indicates the proposal failed one of the
	// validation stages. The Stage field names which one. Nothing has been
	// signed.
	ErrValidationRejected

	// ErrNoSuitableInput indicates the input selector found no
	// candidate that preserves privacy.
	ErrNoSuitableInput

	// ErrSigning indicates the wallet refused or failed to produce the
	// receiver's signatures. Nothing was submitted.
	ErrSigning

	// ErrInvalidState indicates an operation was attempted in a phase
	// that does not allow it, or with an already used context or
	// proposal.
	ErrInvalidState

	// ErrImplementation indicates a failure of a collaborator such as a
	// wallet oracle call, unrelated to the proposal's contents.
	ErrImplementation
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrTransport:          "ErrTransport",
	ErrProtocol:           "ErrProtocol",
	ErrExpiredSession:     "ErrExpiredSession",
	ErrValidationRejected: "ErrValidationRejected",
	ErrNoSuitableInput:    "ErrNoSuitableInput",
	ErrSigning:            "ErrSigning",
	ErrInvalidState:       "ErrInvalidState",
	ErrImplementation:     "ErrImplementation",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ValidationStage names a step of the proposal validation pipeline.
type ValidationStage int

const (
	// StageNone is used for errors that are not validation rejections.
	StageNone ValidationStage = iota

	// StageBroadcastSuitability checks the original transaction would be
	// accepted by the mempool.
	StageBroadcastSuitability

	// StageInputsNotOwned checks the receiver owns none of the inputs.
	StageInputsNotOwned

	// StageNoMixedInputScripts checks all inputs share one script type.
	StageNoMixedInputScripts

	// StageNoInputsSeen checks no input was offered in an earlier
	// proposal.
	StageNoInputsSeen

	// StageReceiverOutputs identifies the outputs paying the receiver.
	StageReceiverOutputs
)

var stageStrings = map[ValidationStage]string{
	StageNone:                 "none",
	StageBroadcastSuitability: "broadcast suitability",
	StageInputsNotOwned:       "inputs not owned",
	StageNoMixedInputScripts:  "no mixed input scripts",
	StageNoInputsSeen:         "no inputs seen before",
	StageReceiverOutputs:      "receiver outputs",
}

// String returns a human-readable name of the stage.
func (s ValidationStage) String() string {
	if str, ok := stageStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown stage (%d)", int(s))
}

// Reasons a proposal, selection or state transition is refused. They are
// wrapped by Error and can be matched with errors.Is.
var (
	ErrOriginalNotBroadcastable = errors.New("original transaction " +
		"would not be accepted by the mempool")
	ErrFeeRateBelowMinimum = errors.New("original fee rate below " +
		"minimum")
	ErrInputOwned        = errors.New("proposal spends a receiver input")
	ErrMixedInputScripts = errors.New("proposal mixes input script types")
	ErrInputSeen         = errors.New("proposal input seen before")
	ErrMissingPayment    = errors.New("proposal does not pay the receiver")

	ErrNoCandidates       = errors.New("no candidate inputs")
	ErrTooManyOutputs     = errors.New("too many outputs for selection")
	ErrNoPrivateCandidate = errors.New("no candidate preserves privacy")

	ErrProposalConsumed = errors.New("proposal already consumed")
	ErrContextReused    = errors.New("response context already used")
	ErrForeignContext   = errors.New("response context belongs to " +
		"another session")
	ErrWrongPhase     = errors.New("operation not allowed in this phase")
	ErrSessionFailed  = errors.New("session failed")
	ErrSessionExpired = errors.New("session expired")
)

// Error provides a single type for errors that can happen while receiving a
// payjoin. It is similar to wtxmgr.TxStoreError.
type Error struct {
	Code        ErrorCode       // Describes the kind of error
	Stage       ValidationStage // Rejecting stage for validation errors
	Description string          // Human readable description of the issue
	Err         error           // Underlying error

	// InFlight is set when a request carrying the signed proposal may
	// already have reached the directory. Such a request must not be
	// blindly resent.
	InFlight bool
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

// recvError creates an Error given a set of arguments.
func recvError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Description: desc, Err: err}
}

// rejectError creates a validation rejection for the given stage.
func rejectError(stage ValidationStage, err error) Error {
	return Error{
		Code:        ErrValidationRejected,
		Stage:       stage,
		Description: fmt.Sprintf("proposal rejected at %v", stage),
		Err:         err,
	}
}

// CodeOf returns the ErrorCode of err if it is or wraps an Error.
func CodeOf(err error) (ErrorCode, bool) {
	var e Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// HasCode reports whether err is an Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsRetryable reports whether the failed operation committed nothing and
// may simply be repeated.
func IsRetryable(err error) bool {
	var e Error
	return errors.As(err, &e) && e.Code == ErrTransport && !e.InFlight
}

// IsInFlight reports whether the signed proposal may already have reached
// the directory. The caller must re-query the directory before resending.
func IsInFlight(err error) bool {
	var e Error
	return errors.As(err, &e) && e.InFlight
}

// RejectedStage returns the validation stage that rejected the proposal, or
// StageNone.
func RejectedStage(err error) ValidationStage {
	var e Error
	if errors.As(err, &e) && e.Code == ErrValidationRejected {
		return e.Stage
	}
	return StageNone
}
