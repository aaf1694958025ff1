package streamkit

import (
	"context"
	"sync"
)

//****************************************************************
// Internal functions
//****************************************************************

// waitTillRunned will executed function in goroutine but will
// block till when goroutine is scheduled and started.
func waitTillRunned(fx func()) {
	var w sync.WaitGroup
	w.Add(1)
	go func() {
		w.Done()
		fx()
	}()
	w.Wait()
}

// joinedContext returns a context rooted in the first giving context
// which is additionally cancelled once the second is done. The returned
// canceler releases the bridging goroutine and must always be called.
func joinedContext(one context.Context, two context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(one)
	go func() {
		select {
		case <-two.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
