package mls

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrorKind classifies failures by how the caller should react to them.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindCodec is a malformed encoding. Fatal to the message only.
	KindCodec
	// KindCrypto is an opaque failure reported by the cipher suite provider.
	KindCrypto
	// KindValidation means a well-formed message broke a protocol rule.
	KindValidation
	// KindProtocolState means the operation is not allowed in the current state.
	KindProtocolState
)

func (k ErrorKind) String() string {
	switch k {
	case KindCodec:
		return "codec"
	case KindCrypto:
		return "crypto"
	case KindValidation:
		return "validation"
	case KindProtocolState:
		return "protocol-state"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidProposal         = errors.New("invalid proposal")
	ErrUnknownProposal         = errors.New("proposal reference not found")
	ErrUnknownLeaf             = errors.New("leaf is blank or out of range")
	ErrCapacity                = errors.New("tree capacity exceeded")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrInvalidMembershipTag    = errors.New("invalid membership tag")
	ErrConfirmationTagMismatch = errors.New("confirmation tag mismatch")
	ErrTreeHashMismatch        = errors.New("tree hash mismatch")
	ErrParentHashMismatch      = errors.New("parent hash mismatch")
	ErrInvalidUpdatePath       = errors.New("invalid update path")
	ErrLifetime                = errors.New("lifetime not valid at current time")
	ErrEpochMismatch           = errors.New("epoch mismatch")
	ErrGroupMismatch           = errors.New("group id mismatch")
	ErrSuiteMismatch           = errors.New("cipher suite or version mismatch")
	ErrUnsupportedSuite        = errors.New("unsupported cipher suite")
	ErrInvalidCredential       = errors.New("credential rejected")
	ErrMissingRatchetTree      = errors.New("ratchet tree not available")
	ErrInactive                = errors.New("group is not active")
	ErrNoPendingCommit         = errors.New("no pending commit")
	ErrKeyPackageNotFound      = errors.New("no matching key package")
	ErrPSKNotFound             = errors.New("pre-shared key not found")
	ErrGenerationExpired       = errors.New("key generation no longer available")
	ErrInvalidSender           = errors.New("sender not allowed for content")
	ErrMissingExtension        = errors.New("required extension missing")
	ErrTrailingData            = errors.New("trailing data after message")
)

// Error carries the kind and the operation that failed. Unwrap exposes the
// sentinel so callers can match with errors.Is.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func codecError(op string, err error) error {
	return newError(KindCodec, op, err)
}

func cryptoError(op string, err error) error {
	return newError(KindCrypto, op, err)
}

func validationError(op string, err error) error {
	return newError(KindValidation, op, err)
}

func stateError(op string, err error) error {
	return newError(KindProtocolState, op, err)
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("mls: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mls.%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of the outermost *Error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// proposalErrors collects every violation of a proposal bundle before the
// commit is rejected as a whole.
type proposalErrors struct {
	errs *multierror.Error
}

func (p *proposalErrors) add(format string, args ...interface{}) {
	p.errs = multierror.Append(p.errs, fmt.Errorf(format, args...))
}

func (p *proposalErrors) err(op string) error {
	if p.errs == nil || len(p.errs.Errors) == 0 {
		return nil
	}
	return validationError(op, &invalidProposalError{p.errs})
}

type invalidProposalError struct {
	violations *multierror.Error
}

func (e *invalidProposalError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidProposal, e.violations.Error())
}

func (e *invalidProposalError) Is(target error) bool {
	return target == ErrInvalidProposal
}

func (e *invalidProposalError) Unwrap() error {
	return e.violations.ErrorOrNil()
}

// Violations lists the individual proposal rule violations contained in err.
func Violations(err error) []error {
	var e *invalidProposalError
	if errors.As(err, &e) {
		return e.violations.WrappedErrors()
	}
	return nil
}
