package mrf

import "errors"

// ErrParse marks malformed JSON, a truncated document, or an unexpected
// top-level shape. A stream that ends mid-document surfaces as ErrParse, not
// as an I/O error, because the bytes read so far were not a complete document.
// Failures of the underlying reader (a short disk read, a bad gzip trailer)
// are never ErrParse; they keep their own error chain.
var ErrParse = errors.New("malformed MRF document")
