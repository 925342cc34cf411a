package scheduler

import (
	"context"
	"reflect"
	"strings"
	"sync"
)

// Performer is the one hook every payload must implement. It reports
// whether the attempt succeeded; a returned error counts as a failure and
// is recorded on the job.
type Performer interface {
	Perform(ctx context.Context) (bool, error)
}

// Beforer runs ahead of Perform. An error skips the rest of the attempt.
type Beforer interface {
	Before(ctx context.Context) error
}

// Successer runs after Perform reports success.
type Successer interface {
	Success(ctx context.Context)
}

// Failurer runs on the attempt that reaches the maximum attempt count.
type Failurer interface {
	Failure(ctx context.Context)
}

// Afterer runs once Perform has returned without error.
type Afterer interface {
	After(ctx context.Context)
}

// ErrorHandler receives errors and panics raised by Before or Perform.
type ErrorHandler interface {
	Error(ctx context.Context, err error)
}

// Halter is asked to stop work early. Halting is cooperative: the executor
// never interrupts a running Perform, it only asks.
type Halter interface {
	Halt(immediate bool)
}

// Capabilities is the set of hooks a payload type implements.
type Capabilities uint8

const (
	CanBefore Capabilities = 1 << iota
	CanPerform
	CanSuccess
	CanFailure
	CanAfter
	CanError
	CanHalt
)

var capabilityNames = []struct {
	c    Capabilities
	name string
}{
	{CanBefore, "before"},
	{CanPerform, "perform"},
	{CanSuccess, "success"},
	{CanFailure, "failure"},
	{CanAfter, "after"},
	{CanError, "error"},
	{CanHalt, "halt"},
}

// Has reports whether every hook in want is present.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

func (c Capabilities) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// capabilityCache maps a payload's dynamic type to its Capabilities.
var capabilityCache sync.Map

// CapabilitiesOf returns the hooks implemented by payload's type. The
// result is computed once per type.
func CapabilitiesOf(payload any) Capabilities {
	if payload == nil {
		return 0
	}
	t := reflect.TypeOf(payload)
	if cached, ok := capabilityCache.Load(t); ok {
		return cached.(Capabilities)
	}
	c := detectCapabilities(payload)
	capabilityCache.Store(t, c)
	return c
}

func detectCapabilities(payload any) Capabilities {
	var c Capabilities
	if _, ok := payload.(Beforer); ok {
		c |= CanBefore
	}
	if _, ok := payload.(Performer); ok {
		c |= CanPerform
	}
	if _, ok := payload.(Successer); ok {
		c |= CanSuccess
	}
	if _, ok := payload.(Failurer); ok {
		c |= CanFailure
	}
	if _, ok := payload.(Afterer); ok {
		c |= CanAfter
	}
	if _, ok := payload.(ErrorHandler); ok {
		c |= CanError
	}
	if _, ok := payload.(Halter); ok {
		c |= CanHalt
	}
	return c
}
