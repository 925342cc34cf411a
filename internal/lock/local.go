// Package lock provides the critical section that serializes job claims.
package lock

import "context"

// Local serializes claims within one process.
type Local struct {
	sem chan struct{}
}

func NewLocal() *Local {
	return &Local{sem: make(chan struct{}, 1)}
}

// Lock waits for the section or ctx.
func (l *Local) Lock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
