package interpreter

import (
	"fmt"

	"github.com/petrijr/eventide/pkg/api"
)

// future is the handle of an issued call. It is settled by the driver and
// read by coroutines; the coroutine hand-off orders those accesses.
type future struct {
	settled   bool
	value     any
	err       error
	listeners []func()
}

var _ api.Future = (*future)(nil)

func settledFuture(v any, err error) *future {
	return &future{settled: true, value: v, err: err}
}

func (f *future) Ready() bool { return f.settled }

func (f *future) Get(ctx api.Context) (any, error) {
	wc, ok := ctx.(*workflowContext)
	if !ok {
		panic(fmt.Sprintf("interpreter: Future.Get called with foreign context %T", ctx))
	}
	wc.co.waitUntil(f.Ready)
	return f.value, f.err
}

// settle records the outcome and notifies listeners. Only the first call has
// an effect.
func (f *future) settle(v any, err error) {
	if f.settled {
		return
	}
	f.settled = true
	f.value = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	for _, l := range listeners {
		l()
	}
}

// onSettle runs fn when f settles, or immediately if it already has.
func (f *future) onSettle(fn func()) {
	if f.settled {
		fn()
		return
	}
	f.listeners = append(f.listeners, fn)
}
