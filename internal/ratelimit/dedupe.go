package ratelimit

import "golang.org/x/sync/singleflight"

// Deduper collapses concurrent identical non-streaming requests under a
// caller-supplied key: the first caller performs the upstream call and
// broadcasts the outcome to all waiters sharing the same key. The pipeline
// keys by request fingerprint alone, so identical requests collapse
// whichever account they would have been leased to. Streaming
// requests must bypass this entirely — callers should not route stream
// dispatches through Do.
type Deduper struct {
	group singleflight.Group
}

// NewDeduper constructs an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{}
}

// Do executes fn if no identical request (same key) is already in flight,
// otherwise it waits for and returns that request's result. shared reports
// whether the result was computed by a different caller.
func (d *Deduper) Do(key string, fn func() (interface{}, error)) (result interface{}, shared bool, err error) {
	return d.group.Do(key, fn)
}
