// Package apperr defines the named outcomes ledger callers branch on.
//
// Every rejection is an *Error whose Kind is one of the sentinels below, so
// callers use errors.Is(err, apperr.ErrInsufficientShares) and still get the
// offending numbers from Details for rendering.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrPoolTooSmall        = errors.New("pool too small")
	ErrInvalidPercentage   = errors.New("invalid percentage")
	ErrReservedBelowIssued = errors.New("reserved below issued")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrSellingLimit        = errors.New("selling limit exceeded")
	ErrSelfReferral        = errors.New("self referral")
	ErrOrderNotCancellable = errors.New("order not cancellable")

	// ErrNoOp is a quantity change that changes nothing.
	ErrNoOp = fmt.Errorf("%w: no change", ErrInvalidQuantity)

	ErrOrderNotFillable = errors.New("order not fillable")
	// ErrOutOfOrder is a fill that would skip an earlier queued sell order.
	ErrOutOfOrder = fmt.Errorf("%w: out of fifo order", ErrOrderNotFillable)

	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvariant     = errors.New("pool invariant violated")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotAuthorized = errors.New("not authorized")
)

// Error is a rejection with structured context.
type Error struct {
	Kind    error
	Message string
	Details map[string]string
	// Violations lists every rule broken, when more than one may apply.
	Violations []string
}

// New builds an Error of the given kind. details is a flat key/value list;
// values are formatted with %v.
func New(kind error, msg string, details ...any) *Error {
	e := &Error{Kind: kind, Message: msg}
	if len(details) > 0 {
		e.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			e.Details[fmt.Sprint(details[i])] = fmt.Sprint(details[i+1])
		}
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Details[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// KindName returns a stable machine name for err's kind, or "internal".
func KindName(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// Order matters: ErrNoOp and ErrOutOfOrder wrap broader kinds.
var kinds = []struct {
	err  error
	name string
}{
	{ErrNoOp, "NoOp"},
	{ErrOutOfOrder, "OutOfOrder"},
	{ErrInsufficientShares, "InsufficientShares"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrInsufficientReserve, "InsufficientReserve"},
	{ErrPoolTooSmall, "PoolTooSmall"},
	{ErrInvalidPercentage, "InvalidPercentage"},
	{ErrReservedBelowIssued, "ReservedBelowIssued"},
	{ErrInvalidQuantity, "InvalidQuantity"},
	{ErrSellingLimit, "SellingLimitExceeded"},
	{ErrSelfReferral, "SelfReferral"},
	{ErrOrderNotCancellable, "OrderNotCancellable"},
	{ErrOrderNotFillable, "OrderNotFillable"},
	{ErrNotFound, "NotFound"},
	{ErrConflict, "Conflict"},
	{ErrInvariant, "InvariantViolated"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrNotAuthorized, "NotAuthorized"},
}

// Details extracts the structured context of err, if any.
func Details(err error) (map[string]string, []string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Details, e.Violations
	}
	return nil, nil
}
