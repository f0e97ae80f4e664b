package binstruct

import "errors"

// ErrTruncated is wrapped by every "not enough bytes" error produced while
// decoding a packed on-disk record. Callers that want to distinguish a
// truncated record from other decode failures can test for it with
// errors.Is.
var ErrTruncated = errors.New("truncated record")
