package host

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/PostHog/hogtrace/pkg/program"
	"github.com/PostHog/hogtrace/pkg/value"
	"github.com/PostHog/hogtrace/pkg/vm"
)

// Sink receives the capture events of one successful probe firing. The
// network transport, batching, and delivery guarantees behind it are the
// host's business.
type Sink interface {
	Deliver(probeID string, events []CaptureEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(probeID string, events []CaptureEvent)

func (f SinkFunc) Deliver(probeID string, events []CaptureEvent) { f(probeID, events) }

// Engine drives an installed program: it matches fired sites against
// probe specifiers, applies the program's sampling rate, runs the
// predicate/body state machine, and hands capture events to the sink.
//
// One firing is a synchronous computation on the calling goroutine; the
// engine spawns nothing. The program is immutable and may be shared; the
// per-firing dispatcher is not.
type Engine struct {
	prog *program.Program
	sink Sink
	log  logrus.FieldLogger

	// randFloat is the sampling source, replaceable in tests.
	randFloat func() float64
}

// NewEngine creates an engine for a compiled program.
func NewEngine(prog *program.Program, sink Sink) *Engine {
	return &Engine{
		prog:      prog,
		sink:      sink,
		log:       logrus.StandardLogger(),
		randFloat: rand.Float64,
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(log logrus.FieldLogger) { e.log = log }

// Program returns the installed program.
func (e *Engine) Program() *program.Program { return e.prog }

// FireEntry runs every matching entry probe against the frame. Probe
// failures do not stop the remaining probes; the joined error is
// returned so the host can decide whether to disable anything.
func (e *Engine) FireEntry(frame Frame, store *RequestStore) error {
	return e.fire(frame, store, program.TargetEntry, func() *FrameDispatcher {
		return NewEntryDispatcher(frame, store)
	})
}

// FireExit runs every matching exit probe. hasRetval is false when the
// function unwound with an exception; exception is None on a normal
// return.
func (e *Engine) FireExit(frame Frame, retval value.Value, hasRetval bool, exception value.Value, store *RequestStore) error {
	return e.fire(frame, store, program.TargetExit, func() *FrameDispatcher {
		return NewExitDispatcher(frame, retval, hasRetval, exception, store)
	})
}

func (e *Engine) fire(frame Frame, store *RequestStore, target program.FnTarget, newDispatcher func() *FrameDispatcher) error {
	var errs []error

	for i := range e.prog.Probes {
		probe := &e.prog.Probes[i]
		fn := probe.Spec.Fn
		if fn == nil || fn.Target != target || !MatchSpecifier(fn.Specifier, frame.Function) {
			continue
		}

		if !e.sampled() {
			e.log.WithField("probe", probe.ID).Debug("probe skipped by sampling")
			continue
		}

		if err := e.fireProbe(probe, newDispatcher()); err != nil {
			e.log.WithFields(logrus.Fields{
				"probe":    probe.ID,
				"function": frame.Function,
			}).WithError(err).Warn("probe firing failed")
			errs = append(errs, fmt.Errorf("probe %s: %w", probe.ID, err))
		}
	}

	return errors.Join(errs...)
}

// fireProbe runs one probe against a fresh dispatcher:
// evaluate the predicate (if any), require a boolean, stop quietly when
// it is false; run the body with the same dispatcher; deliver whatever
// the firing captured. A failure aborts this firing only — the program
// stays installed.
func (e *Engine) fireProbe(probe *program.Probe, disp *FrameDispatcher) error {
	if len(probe.Predicate) > 0 {
		result, err := vm.New(e.prog.ConstantPool, disp).Execute(probe.Predicate)
		if err != nil {
			return err
		}
		pass, err := result.AsBool()
		if err != nil {
			return fmt.Errorf("predicate must evaluate to a bool, got %s", result.Kind())
		}
		if !pass {
			e.log.WithField("probe", probe.ID).Debug("predicate false")
			return nil
		}
	}

	if _, err := vm.New(e.prog.ConstantPool, disp).Execute(probe.Body); err != nil {
		return err
	}

	if events := disp.TakeCaptures(); len(events) > 0 {
		e.log.WithFields(logrus.Fields{
			"probe":  probe.ID,
			"events": len(events),
		}).Debug("delivering captures")
		e.sink.Deliver(probe.ID, events)
	}
	return nil
}

// sampled applies the program's sampling rate. A rate of 0 means no
// sampling was configured and every firing proceeds.
func (e *Engine) sampled() bool {
	s := float64(e.prog.Sampling)
	if s <= 0 || s >= 1 {
		return true
	}
	return e.randFloat() < s
}

// MatchSpecifier matches a probe specifier against a fired function's
// qualified dotted name. A '*' part matches exactly one segment:
// "myapp.*" matches "myapp.create" but not "myapp.users.create".
func MatchSpecifier(specifier, function string) bool {
	specParts := strings.Split(specifier, ".")
	fnParts := strings.Split(function, ".")
	if len(specParts) != len(fnParts) {
		return false
	}
	for i, part := range specParts {
		if part != "*" && part != fnParts[i] {
			return false
		}
	}
	return true
}
