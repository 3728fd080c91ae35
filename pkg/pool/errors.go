package pool

import "errors"

// Error kinds a Checkout can fail with. Use errors.Is to branch on them;
// they are sentinel values, not a custom type, since there is no
// additional data to attach.
var (
	// ErrPoolDisabled means the pool was constructed with
	// MaxIdlePerHost == 0 and can never satisfy a checkout.
	ErrPoolDisabled = errors.New("pool: disabled")

	// ErrCheckoutNoLongerWanted means the connect attempt this checkout
	// was waiting on went away (its Connecting token was closed) before
	// delivering a value. Callers typically retry with a fresh checkout.
	ErrCheckoutNoLongerWanted = errors.New("pool: checkout no longer wanted")

	// ErrCheckedOutClosedValue means a value was handed to this checkout
	// but failed IsOpen on receipt. Callers typically retry.
	ErrCheckedOutClosedValue = errors.New("pool: checked out value was already closed")
)
