package escrow

import "errors"

// Error kinds reported to callers. Every guard failure returned by the engine
// matches exactly one of them with errors.Is.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidState  = errors.New("invalid state")
)

// Host-side failures.
var (
	ErrEscrowNotFound    = errors.New("escrow: not found")
	ErrEscrowExists      = errors.New("escrow: identifier already exists")
	ErrInvalidParties    = errors.New("escrow: invalid parties")
	ErrInsufficientFunds = errors.New("escrow: insufficient balance")

	errNilState     = errors.New("escrow engine: state not configured")
	errCorruptState = errors.New("escrow engine: unknown stored state")
)

// Caller-facing reasons.
const (
	ReasonOnlyBuyer    = "Only buyer can call this function"
	ReasonOnlyArbiter  = "Only arbiter can call this function"
	ReasonZeroDeposit  = "Deposit must be greater than 0"
	ReasonInvalidState = "Invalid state"
)

// Error is a rejected escrow operation. Error() yields the reason string and
// errors.Is matches the kind.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Kind }

func reject(kind error, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Reason extracts the caller-facing reason from err, falling back to the
// error text for host failures.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var escErr *Error
	if errors.As(err, &escErr) {
		return escErr.Reason
	}
	return err.Error()
}
