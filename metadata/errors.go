package metadata

import "github.com/zeebo/errs"

// Error classes forming the metadata store's error taxonomy.
var (
	ErrAlreadyExists = errs.Class("already exists")
	ErrNotFound      = errs.Class("not found")
	ErrBucketNotEmpty = errs.Class("bucket not empty")
)
