package streamkit

import (
	"context"
	"time"
)

// ShareMode defines a int type to represent a giving sharing start and
// stop policy.
type ShareMode int

// constants.
const (
	// ShareEagerly starts the upstream production immediately and keeps
	// it running while the scope lives.
	ShareEagerly ShareMode = iota

	// ShareLazily starts the upstream production once the first
	// subscriber arrives and keeps it running while the scope lives.
	ShareLazily

	// ShareWhileSubscribed starts the upstream production when the
	// subscriber count rises above zero and stops it once the count
	// returns to zero, honoring the configured StopDelay and
	// ReplayExpiry.
	ShareWhileSubscribed
)

// ShareConfig defines configuration fields for sharing one upstream
// production between many subscribers.
type ShareConfig struct {
	// Mode picks when the upstream production starts and stops.
	Mode ShareMode

	// Replay is the count of most recent values retained for delivery
	// to new subscribers ahead of live values.
	Replay int

	// Buffer is the queue capacity granted to each subscriber.
	Buffer int

	// Strategy decides what happens when a subscriber queue is at
	// capacity.
	Strategy Strategy

	// StopDelay is how long ShareWhileSubscribed lingers after the last
	// subscriber leaves before stopping the upstream production. Zero
	// stops it immediately.
	StopDelay time.Duration

	// ReplayExpiry is how long after the upstream production stops the
	// replay buffer survives before being reset. Zero keeps it forever.
	ReplayExpiry time.Duration

	// Log is for the logs generated by the sharing machinery.
	Log Logs
}

// init validates configuration and initializes defaults.
func (sc *ShareConfig) init() error {
	if sc.Replay < 0 {
		sc.Replay = 0
	}
	if sc.Buffer <= 0 {
		sc.Buffer = DefaultSubscriberBuffer
	}
	if sc.Log == nil {
		sc.Log = DrainLog{}
	}
	return nil
}

// control messages for the sharing loop. countChange is a bare nudge:
// join and left announcements can reach the loop out of their registry
// order, so the loop always reads the live count off the broadcast
// instead of trusting a payload.
type countChange struct{}

type stopFire struct {
	gen uint64
}

type replayFire struct {
	gen uint64
}

type prodDone struct {
	gen uint64
}

// ShareIn turns the giving cold stream into a hot broadcast owned by the
// scope: one production of s feeds every subscriber of the returned
// broadcast, with the config's replay count retained for late arrivals.
// The production starts and stops per the config's ShareMode, and ends
// for good when the scope is cancelled.
func ShareIn(s Stream, sc *Scope, config ShareConfig) (*BroadcastStream, error) {
	if err := config.init(); err != nil {
		return nil, err
	}

	b, err := NewBroadcastStream(sc, BroadcastConfig{
		Replay:   config.Replay,
		Buffer:   config.Buffer,
		Strategy: config.Strategy,
		Log:      config.Log,
	})
	if err != nil {
		return nil, err
	}

	sh := &sharer{
		config: config,
		scope:  sc,
		b:      b,
		source: s,
		ctl:    UnboundedBoxChannel(nil),
	}

	watch := b.WatchSubscriptionCount(func(int64) {
		sh.ctl.TrySend(countChange{})
	})

	if config.Mode == ShareEagerly {
		sh.start()
	}

	if _, err := sc.Launch(func(ctx context.Context) error {
		defer watch.Stop()
		return sh.run(ctx)
	}); err != nil {
		watch.Stop()
		sh.halt()
		return nil, err
	}

	return b, nil
}

// sharer runs the start and stop policy of one shared production. All
// fields past construction are owned by the run loop goroutine.
type sharer struct {
	config ShareConfig
	scope  *Scope
	b      *BroadcastStream
	source Stream
	ctl    *BoxChannel

	running   bool
	launched  bool
	count     int64
	task      *Task
	prodGen   uint64
	stopGen   uint64
	replayGen uint64
}

func (sh *sharer) run(ctx context.Context) error {
	for {
		msg, err := sh.ctl.Recv(ctx)
		if err != nil {
			sh.halt()
			return nil
		}

		switch m := msg.(type) {
		case countChange:
			sh.count = sh.b.SubscriptionCount()
			if sh.count > 0 {
				sh.stopGen++
				sh.onSubscribed()
				continue
			}
			if sh.config.Mode == ShareWhileSubscribed && sh.running {
				sh.scheduleStop()
			}

		case stopFire:
			if m.gen != sh.stopGen || sh.b.SubscriptionCount() != 0 || !sh.running {
				continue
			}
			sh.stop()

		case replayFire:
			if m.gen != sh.replayGen || sh.running {
				continue
			}
			sh.b.ResetReplay()

		case prodDone:
			if m.gen != sh.prodGen {
				continue
			}
			sh.running = false
			sh.announceStopped()
		}
	}
}

// onSubscribed reacts to the subscriber count rising above zero.
func (sh *sharer) onSubscribed() {
	if sh.running {
		return
	}

	switch sh.config.Mode {
	case ShareLazily:
		// A lazily shared production starts once, ever; a naturally
		// completed upstream stays completed for later subscribers.
		if !sh.launched {
			sh.start()
		}
	case ShareWhileSubscribed:
		sh.start()
	}
}

// start launches one production of the source into the broadcast as a
// child task of the scope.
func (sh *sharer) start() {
	sh.prodGen++
	sh.replayGen++
	gen := sh.prodGen

	task, err := sh.scope.Launch(func(ctx context.Context) error {
		defer sh.ctl.TrySend(prodDone{gen: gen})
		return sh.source.Collect(ctx, sh.b)
	})
	if err != nil {
		return
	}

	sh.task = task
	sh.running = true
	sh.launched = true

	LogMsg("sharing started").
		String("broadcast", sh.b.ID()).WriteDebug(sh.config.Log)

	sh.b.events.Publish(SharingStarted{ID: sh.b.ID(), Time: time.Now()})
}

// scheduleStop arranges the production stop once the last subscriber is
// gone, honoring StopDelay.
func (sh *sharer) scheduleStop() {
	if sh.config.StopDelay <= 0 {
		sh.stop()
		return
	}

	sh.stopGen++
	gen := sh.stopGen
	time.AfterFunc(sh.config.StopDelay, func() {
		sh.ctl.TrySend(stopFire{gen: gen})
	})
}

// stop cancels the running production, waits it fully out and arranges
// the replay reset per ReplayExpiry.
func (sh *sharer) stop() {
	sh.prodGen++
	sh.task.Stop()
	sh.task.Wait()
	sh.running = false
	sh.announceStopped()

	if sh.config.ReplayExpiry > 0 {
		sh.replayGen++
		gen := sh.replayGen
		time.AfterFunc(sh.config.ReplayExpiry, func() {
			sh.ctl.TrySend(replayFire{gen: gen})
		})
	}
}

func (sh *sharer) announceStopped() {
	LogMsg("sharing stopped").
		String("broadcast", sh.b.ID()).WriteDebug(sh.config.Log)

	sh.b.events.Publish(SharingStopped{ID: sh.b.ID(), Time: time.Now()})
}

// halt stops any running production without waiting, used when the
// owning scope itself is ending.
func (sh *sharer) halt() {
	if sh.running && sh.task != nil {
		sh.task.Stop()
		sh.running = false
	}
}
