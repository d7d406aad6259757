package mda

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// state is a step of a single delivery attempt.
type state int

const (
	stateIdle state = iota
	stateAcquiring
	stateWriting
	stateCommitting
	stateFailing
	stateReleased
	stateDone
)

var stateNames = [...]string{
	stateIdle:       "idle",
	stateAcquiring:  "acquiring",
	stateWriting:    "writing",
	stateCommitting: "committing",
	stateFailing:    "failing",
	stateReleased:   "released",
	stateDone:       "done",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// next lists the legal successors of each state.
var next = map[state][]state{
	stateIdle:       {stateAcquiring, stateFailing},
	stateAcquiring:  {stateWriting, stateFailing},
	stateWriting:    {stateCommitting, stateFailing},
	stateCommitting: {stateReleased, stateFailing},
	stateFailing:    {stateReleased},
	stateReleased:   {stateDone},
}

func (s state) allows(to state) bool {
	for _, t := range next[s] {
		if t == to {
			return true
		}
	}
	return false
}

// deferredSignals are held back while a message is being written.
var deferredSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// raiseSignal sends sig to the current process.
func raiseSignal(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		_ = unix.Kill(unix.Getpid(), s)
	}
}

// signalGuard captures termination signals and replays them on release.
type signalGuard struct {
	ch    chan os.Signal
	raise func(os.Signal)
}

// holdSignals starts capturing sigs. Signals the process currently ignores
// are left alone.
func holdSignals(sigs []os.Signal, raise func(os.Signal)) *signalGuard {
	var watched []os.Signal
	for _, s := range sigs {
		if !signal.Ignored(s) {
			watched = append(watched, s)
		}
	}
	g := &signalGuard{ch: make(chan os.Signal, 8), raise: raise}
	if len(watched) > 0 {
		signal.Notify(g.ch, watched...)
	}
	return g
}

// release stops capturing and re-raises what arrived meanwhile, in order.
func (g *signalGuard) release() []os.Signal {
	signal.Stop(g.ch)
	var got []os.Signal
	for {
		select {
		case s := <-g.ch:
			got = append(got, s)
		default:
			for _, s := range got {
				g.raise(s)
			}
			return got
		}
	}
}

// attemptRun tracks one delivery attempt through its states.
type attemptRun struct {
	state  state
	logger *slog.Logger

	deferSignals bool
	raise        func(os.Signal)
	guard        *signalGuard
}

func newAttemptRun(logger *slog.Logger, deferSignals bool, raise func(os.Signal)) *attemptRun {
	return &attemptRun{state: stateIdle, logger: logger, deferSignals: deferSignals, raise: raise}
}

// enter moves to the given state. An illegal transition is a programming
// error and panics.
func (r *attemptRun) enter(to state) {
	if !r.state.allows(to) {
		panic(fmt.Sprintf("mda: illegal delivery transition %s -> %s", r.state, to))
	}
	r.logger.Debug("delivery state", slog.String("from", r.state.String()), slog.String("to", to.String()))
	r.state = to

	if to == stateWriting && r.deferSignals {
		r.guard = holdSignals(deferredSignals, r.raise)
	}
}

// fail enters Failing unless already there.
func (r *attemptRun) fail(err error) {
	if r.state == stateFailing {
		return
	}
	r.logger.Debug("delivery step failed", slog.String("state", r.state.String()), slog.Any("error", err))
	r.enter(stateFailing)
}

// finish runs after the lock and staging area have been cleaned up. It
// moves to Released, replays deferred signals, then moves to Done.
func (r *attemptRun) finish() {
	if r.state != stateCommitting && r.state != stateFailing {
		r.enter(stateFailing)
	}
	r.enter(stateReleased)
	if r.guard != nil {
		if sigs := r.guard.release(); len(sigs) > 0 {
			r.logger.Info("delivering deferred signals", slog.Any("signals", sigs))
		}
		r.guard = nil
	}
	r.enter(stateDone)
}
