package jobq

import "github.com/zeebo/errs"

// Error classes forming the queue's error taxonomy.
var (
	ErrNotFound       = errs.Class("job not found")
	ErrDuplicateKey   = errs.Class("duplicate singleton key")
	ErrAlreadyHandled = errs.Class("job already in a terminal state")
)
