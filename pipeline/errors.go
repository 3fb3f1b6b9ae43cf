package pipeline

import "errors"

// ErrProcessing marks a business-level failure for one message or batch. The
// service settles it with a reject instead of propagating it.
var ErrProcessing = errors.New("processing failed")
