package engine

import "errors"

// ErrInvalidState indicates the caller attempted an operation that is not
// valid for the item's current status.
var ErrInvalidState = errors.New("operation not valid in current item state")
