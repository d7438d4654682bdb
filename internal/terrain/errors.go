package terrain

import "errors"

// ErrOutOfBounds is returned by Put/BatchPut when a point falls outside the
// engine's configured bounds rectangle. Get/RangeQuery never return this
// error: out-of-bounds reads simply yield an absent result.
var ErrOutOfBounds = errors.New("terrain: coordinates out of bounds")
