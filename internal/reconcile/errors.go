package reconcile

import "errors"

// ErrInvalidFragment means the summary's structured fragment failed
// validation and was discarded.
var ErrInvalidFragment = errors.New("invalid summary fragment")
