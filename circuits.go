package streamkit

import (
	"context"
	"time"

	"github.com/gokit/errors"
)

var (
	// ErrOpenedCircuit is returned when a guarded collection is refused
	// because it's circuit is in the opened state.
	ErrOpenedCircuit = errors.New("circuit is opened")

	// ErrOpAfterTimeout is returned when a guarded operation finishes
	// only after it's timeout duration has already passed.
	ErrOpAfterTimeout = errors.New("operation finished after timeout")
)

//***********************************************************
// CircuitBreaker
//***********************************************************

// Circuit defines configuration values used by a CircuitBreaker
// guarding repeated runs of a stream collection or source operation.
type Circuit struct {
	// Timeout bounds the execution of a guarded run. Runs finishing
	// beyond it count as failures even when they returned no error.
	Timeout time.Duration

	// MaxFailures sets the failure threshold after which the circuit
	// trips into the opened state.
	//
	// Defaults to 5.
	MaxFailures int64

	// HalfOpenSuccess sets the minimum successful runs in the half
	// opened state before the circuit closes again.
	//
	// Defaults to 1.
	HalfOpenSuccess int64

	// MinCoolDown sets the minimum time the circuit stays opened
	// before another attempt is let through into the half opened
	// state.
	//
	// Defaults to 15 seconds.
	MinCoolDown time.Duration

	// MaxCoolDown caps how long the circuit may remain opened before
	// allowing another attempt, however often half opened probes keep
	// failing.
	//
	// Defaults to 60 seconds.
	MaxCoolDown time.Duration

	// Now provides the clock used for run and cool down accounting.
	//
	// Defaults to time.Now.
	Now func() time.Time

	// CanTrigger decides whether a giving error counts against the
	// circuit, letting errors which say nothing about the health of
	// the guarded operation pass through without tripping it.
	//
	// Defaults to a function counting every error.
	CanTrigger func(error) bool

	// OnTrip is called every time the circuit trips into the opened
	// state.
	OnTrip func(name string, lastError error)

	// OnClose is called when the circuit returns to the closed state.
	OnClose func(name string, lastCoolDown time.Duration)

	// OnRun is called for every guarded run with it's start and end
	// time and the error the run produced, if any.
	OnRun func(name string, start time.Time, end time.Time, err error)

	// OnHalfOpen is called every time the circuit enters the half
	// opened state.
	OnHalfOpen func(name string, lastCoolDown time.Duration, lastOpenedTime time.Time)
}

func (c *Circuit) init() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.HalfOpenSuccess <= 0 {
		c.HalfOpenSuccess = 1
	}

	if c.MinCoolDown <= 0 {
		c.MinCoolDown = 15 * time.Second
	}

	if c.MaxCoolDown <= 0 {
		c.MaxCoolDown = 60 * time.Second
	}

	if c.CanTrigger == nil {
		c.CanTrigger = func(error) bool {
			return true
		}
	}
}

// CircuitBreaker guards an operation which is expected to be retried
// over time, refusing further runs once failures cross the configured
// threshold and probing with single runs after a cool down until the
// operation proves healthy again.
type CircuitBreaker struct {
	name         string
	circuit      Circuit
	lastOpened   time.Time
	nextCoolDown AtomicCounter

	isOpened        AtomicBool
	currentFailures AtomicCounter

	halfOpenedPasses        AtomicCounter
	currentHalfOpenFailures AtomicCounter
}

// NewCircuitBreaker returns a new instance of CircuitBreaker.
func NewCircuitBreaker(name string, circuit Circuit) *CircuitBreaker {
	circuit.init()

	return &CircuitBreaker{
		name:    name,
		circuit: circuit,
	}
}

// Name returns the name the breaker was created with.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpened returns true/false if circuit is in opened state.
func (cb *CircuitBreaker) IsOpened() bool {
	return cb.isOpened.IsTrue()
}

// Do runs the giving function guarded by the circuit, bounding it
// with the circuit timeout when one is configured.
//
// The fallback, if provided, runs instead on the following:
//
// 1. The circuit is already opened, handing it ErrOpenedCircuit.
//
// 2. The function failed during execution, handing it the error after
// the failure was counted.
//
// The caller's own cancellation is never counted against the circuit,
// since a consumer walking away says nothing about the health of the
// guarded operation.
func (cb *CircuitBreaker) Do(parentCtx context.Context, fn func(ctx context.Context) error, fallback func(context.Context, error) error) error {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if !cb.shouldTry() {
		if fallback == nil {
			return errors.WrapOnly(ErrOpenedCircuit)
		}
		return fallback(parentCtx, ErrOpenedCircuit)
	}

	var ctx context.Context
	var cancel func()
	if cb.circuit.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, cb.circuit.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}

	runErr := cb.run(ctx, parentCtx, fn)
	cancel()

	if runErr != nil {
		if fallback != nil {
			return fallback(parentCtx, runErr)
		}
		return runErr
	}
	return nil
}

func (cb *CircuitBreaker) run(ctx context.Context, parentCtx context.Context, fn func(context.Context) error) error {
	start := cb.circuit.Now()
	runErr := fn(ctx)
	end := cb.circuit.Now()
	elapsed := end.Sub(start)

	if runErr == nil && cb.circuit.Timeout > 0 && elapsed > cb.circuit.Timeout {
		runErr = errors.WrapOnly(ErrOpAfterTimeout)
	}

	if cb.circuit.OnRun != nil {
		cb.circuit.OnRun(cb.name, start, end, runErr)
	}

	if runErr != nil {
		if parentCtx.Err() != nil && IsCancellation(runErr) {
			return runErr
		}

		if cb.isOpened.IsTrue() {
			cb.recordHalfOpenFailure(runErr)
		} else {
			cb.recordFailure(runErr)
		}
		return runErr
	}

	if cb.isOpened.IsTrue() {
		cb.recordHalfOpenSuccess()
	}
	return nil
}

func (cb *CircuitBreaker) recordFailure(err error) {
	// is this a error which can not trigger our failure, then skip.
	if !cb.circuit.CanTrigger(err) {
		return
	}

	cb.currentFailures.Inc()

	// if we have maxed possible failures then put us into open state.
	if cb.currentFailures.Get() >= cb.circuit.MaxFailures {
		cb.isOpened.On()
		cb.halfOpenedPasses.Set(0)
		cb.lastOpened = cb.circuit.Now()
		cb.currentHalfOpenFailures.Set(0)
		cb.nextCoolDown.Set(cb.circuit.MinCoolDown.Nanoseconds())
		if cb.circuit.OnTrip != nil {
			cb.circuit.OnTrip(cb.name, err)
		}
	}
}

func (cb *CircuitBreaker) recordHalfOpenSuccess() {
	cb.halfOpenedPasses.Inc()
	if cb.halfOpenedPasses.Get() >= cb.circuit.HalfOpenSuccess {
		cb.isOpened.Off()

		if cb.circuit.OnClose != nil {
			cb.circuit.OnClose(cb.name, cb.nextCoolDown.GetDuration())
		}

		cb.currentFailures.Set(0)
		cb.halfOpenedPasses.Set(0)
		cb.currentHalfOpenFailures.Set(0)
		cb.nextCoolDown.Set(cb.circuit.MinCoolDown.Nanoseconds())
	}
}

func (cb *CircuitBreaker) recordHalfOpenFailure(err error) {
	// is this a error which can not trigger our failure, then skip.
	if !cb.circuit.CanTrigger(err) {
		return
	}

	cb.currentHalfOpenFailures.Inc()
	cb.lastOpened = cb.circuit.Now()

	// every failed probe widens the next cool down, up to the cap.
	nextCoolDown := cb.circuit.MinCoolDown * cb.currentHalfOpenFailures.GetDuration()
	if nextCoolDown > cb.circuit.MaxCoolDown {
		nextCoolDown = cb.circuit.MaxCoolDown
	}
	cb.nextCoolDown.Set(nextCoolDown.Nanoseconds())

	if cb.circuit.OnTrip != nil {
		cb.circuit.OnTrip(cb.name, err)
	}
}

func (cb *CircuitBreaker) shouldTry() bool {
	if !cb.isOpened.IsTrue() {
		return true
	}

	past := cb.circuit.Now().Sub(cb.lastOpened)
	nextCool := cb.nextCoolDown.GetDuration()

	// if we have reached or maxed current next cool down,
	// enter half opened state, as we should be opened.
	if past >= nextCool {
		if cb.circuit.OnHalfOpen != nil {
			cb.circuit.OnHalfOpen(cb.name, nextCool, cb.lastOpened)
		}

		cb.lastOpened = cb.circuit.Now()
		return true
	}

	return false
}

//***********************************************************
// Circuit Streams
//***********************************************************

// CircuitStream returns a Stream guarding every collection of the
// giving stream behind a circuit breaker of the giving configuration.
// Repeatedly failing collections trip the circuit; once opened, further
// collections fail fast with ErrOpenedCircuit until the cool down
// passes and a half opened probe collection succeeds. When a fallback
// stream is provided it is collected in place of a refused or failed
// collection, it's values following whatever the guarded stream already
// delivered.
//
// The caller's own cancellation never counts against the circuit.
func CircuitStream(name string, s Stream, circuit Circuit, fallback Stream) Stream {
	return GuardStream(NewCircuitBreaker(name, circuit), s, fallback)
}

// GuardStream is CircuitStream over an existing breaker instance,
// letting multiple streams trip and recover as one.
func GuardStream(breaker *CircuitBreaker, s Stream, fallback Stream) Stream {
	return StreamFunc(func(ctx context.Context, em Emitter) error {
		return breaker.Do(ctx, func(ctx context.Context) error {
			return s.Collect(ctx, em)
		}, func(ctx context.Context, err error) error {
			if fallback == nil {
				return err
			}
			if IsCancellation(err) {
				return err
			}
			return fallback.Collect(ctx, em)
		})
	})
}
