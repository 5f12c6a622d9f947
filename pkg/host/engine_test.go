package host

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PostHog/hogtrace/pkg/compiler"
	"github.com/PostHog/hogtrace/pkg/value"
	"github.com/PostHog/hogtrace/pkg/vm"
)

// collectingSink buffers everything delivered during a test.
type collectingSink struct {
	events []CaptureEvent
	probes []string
}

func (s *collectingSink) Deliver(probeID string, events []CaptureEvent) {
	s.probes = append(s.probes, probeID)
	s.events = append(s.events, events...)
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestEngine(t *testing.T, source string) (*Engine, *collectingSink) {
	t.Helper()
	prog, err := compiler.Compile(source)
	require.NoError(t, err)

	sink := &collectingSink{}
	engine := NewEngine(prog, sink)
	engine.SetLogger(quietLogger())
	return engine, sink
}

func entryFrame(function string, args ...value.Value) Frame {
	return Frame{
		Function: function,
		Args:     args,
		Kwargs:   map[string]value.Value{},
		Locals:   map[string]value.Value{},
		Globals:  map[string]value.Value{},
		Self:     value.None,
	}
}

const authSource = `
fn:myapp.users.authenticate:entry
/ arg0 > 100 && arg1 != None /
{ $req.user_id = arg0; capture(user_id=$req.user_id, email=arg1); }
`

// E1: predicate passes, one capture with the expected payload.
func TestScenarioPredicatePassCaptures(t *testing.T) {
	engine, sink := newTestEngine(t, authSource)
	store := NewRequestStore()

	frame := entryFrame("myapp.users.authenticate",
		value.Int(150), value.String("u@x.com"))
	require.NoError(t, engine.FireEntry(frame, store))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.NotEmpty(t, ev.ID)
	require.Len(t, ev.Data, 2)
	assert.True(t, ev.Data["user_id"].Equal(value.Int(150)))
	assert.True(t, ev.Data["email"].Equal(value.String("u@x.com")))

	// The assignment went through the store proxy.
	assert.True(t, store.Get("user_id").Equal(value.Int(150)))
}

// E2: predicate fails, nothing captured, nothing stored.
func TestScenarioPredicateFailNoCapture(t *testing.T) {
	engine, sink := newTestEngine(t, authSource)
	store := NewRequestStore()

	frame := entryFrame("myapp.users.authenticate",
		value.Int(50), value.String("u@x.com"))
	require.NoError(t, engine.FireEntry(frame, store))

	assert.Empty(t, sink.events)
	assert.Equal(t, 0, store.Len())
}

// E3: positional capture stores under arg0.
func TestScenarioPositionalCapture(t *testing.T) {
	engine, sink := newTestEngine(t, "fn:t:entry { capture(42); }")

	require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))

	require.Len(t, sink.events, 1)
	require.Len(t, sink.events[0].Data, 1)
	assert.True(t, sink.events[0].Data["arg0"].Equal(value.Int(42)))
}

// E4: named capture keeps exactly the two given keys.
func TestScenarioNamedCapture(t *testing.T) {
	engine, sink := newTestEngine(t, `fn:t:entry { capture(user_id=1, event="login"); }`)

	require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))

	require.Len(t, sink.events, 1)
	data := sink.events[0].Data
	require.Len(t, data, 2)
	assert.True(t, data["user_id"].Equal(value.Int(1)))
	assert.True(t, data["event"].Equal(value.String("login")))
}

// E5: modulo predicate gates on argument parity.
func TestScenarioModuloPredicate(t *testing.T) {
	source := "fn:t:entry / arg0 % 2 == 0 / { capture(arg0); }"

	engine, sink := newTestEngine(t, source)
	require.NoError(t, engine.FireEntry(entryFrame("t", value.Int(4)), NewRequestStore()))
	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Data["arg0"].Equal(value.Int(4)))

	engine, sink = newTestEngine(t, source)
	require.NoError(t, engine.FireEntry(entryFrame("t", value.Int(5)), NewRequestStore()))
	assert.Empty(t, sink.events)
}

// E6: division by zero in the predicate aborts the firing with no
// capture, and the error reaches the host.
func TestScenarioPredicateDivisionByZero(t *testing.T) {
	engine, sink := newTestEngine(t, "fn:t:entry / 10/0 > 1 / { }")

	err := engine.FireEntry(entryFrame("t"), NewRequestStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")

	var verr *vm.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, vm.DivisionByZero, verr.Kind)
	assert.Empty(t, sink.events)
}

// E8 lives in pkg/vm (TestArithmeticExpression); here the same
// expression runs through the whole pipeline.
func TestScenarioArithmeticEndToEnd(t *testing.T) {
	engine, sink := newTestEngine(t,
		"fn:t:entry { capture(result=(42 + 8) * 2 - 10 / 2); }")

	require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))
	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Data["result"].Equal(value.Int(95)))
}

func TestEmptyCaptureProducesEmptyPayload(t *testing.T) {
	engine, sink := newTestEngine(t, "fn:t:entry { capture(); }")

	require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))
	require.Len(t, sink.events, 1)
	assert.Empty(t, sink.events[0].Data)
}

func TestEmptyProgramAndBodies(t *testing.T) {
	// Empty program: nothing matches, nothing fails.
	engine, sink := newTestEngine(t, "")
	require.NoError(t, engine.FireEntry(entryFrame("x"), NewRequestStore()))
	assert.Empty(t, sink.events)

	// Empty body with no predicate compiles and runs trivially.
	engine, sink = newTestEngine(t, "fn:t:entry { }")
	require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))
	assert.Empty(t, sink.events)
}

func TestExitProbeSeesRetvalAndException(t *testing.T) {
	engine, sink := newTestEngine(t,
		"fn:t:exit / exception == None / { capture(status=retval); }")

	require.NoError(t, engine.FireExit(entryFrame("t"),
		value.Int(200), true, value.None, NewRequestStore()))

	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Data["status"].Equal(value.Int(200)))
}

func TestExitProbeSkippedOnException(t *testing.T) {
	engine, sink := newTestEngine(t,
		"fn:t:exit / exception == None / { capture(status=retval); }")

	require.NoError(t, engine.FireExit(entryFrame("t"),
		value.None, false, value.String("boom"), NewRequestStore()))
	assert.Empty(t, sink.events)
}

func TestEntryProbeCannotReadRetval(t *testing.T) {
	engine, sink := newTestEngine(t, "fn:t:entry { capture(v=retval); }")

	err := engine.FireEntry(entryFrame("t"), NewRequestStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retval only available in exit probes")
	assert.Empty(t, sink.events)
}

func TestNonBoolPredicateIsAnError(t *testing.T) {
	engine, _ := newTestEngine(t, "fn:t:entry / arg0 + 1 / { capture(); }")

	err := engine.FireEntry(entryFrame("t", value.Int(1)), NewRequestStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predicate must evaluate to a bool")
}

func TestTargetFiltering(t *testing.T) {
	engine, sink := newTestEngine(t, `
fn:t:entry { capture(site="entry"); }
fn:t:exit { capture(site="exit"); }
`)
	store := NewRequestStore()

	require.NoError(t, engine.FireEntry(entryFrame("t"), store))
	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Data["site"].Equal(value.String("entry")))

	require.NoError(t, engine.FireExit(entryFrame("t"), value.None, true, value.None, store))
	require.Len(t, sink.events, 2)
	assert.True(t, sink.events[1].Data["site"].Equal(value.String("exit")))
}

func TestRequestStoreFlowsAcrossFirings(t *testing.T) {
	engine, sink := newTestEngine(t, `
fn:app.begin:entry { $req.started = 1; }
fn:app.finish:entry / $req.started == 1 / { capture(ok=True); }
`)
	store := NewRequestStore()

	require.NoError(t, engine.FireEntry(entryFrame("app.begin"), store))
	require.NoError(t, engine.FireEntry(entryFrame("app.finish"), store))
	require.Len(t, sink.events, 1)

	// A fresh request (fresh store) does not see the old state: the
	// unset field reads as None, None == 1 is false, nothing fires.
	engine2, sink2 := newTestEngine(t, `
fn:app.finish:entry / $req.started == 1 / { capture(ok=True); }
`)
	require.NoError(t, engine2.FireEntry(entryFrame("app.finish"), NewRequestStore()))
	assert.Empty(t, sink2.events)
}

func TestProbeFailureDoesNotStopOthers(t *testing.T) {
	engine, sink := newTestEngine(t, `
fn:t:entry { capture(v=missing_var); }
fn:t:entry { capture(v=1); }
`)

	err := engine.FireEntry(entryFrame("t"), NewRequestStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_0")

	// The second probe still fired and delivered.
	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Data["v"].Equal(value.Int(1)))
}

func TestMatchSpecifier(t *testing.T) {
	tests := []struct {
		spec     string
		function string
		want     bool
	}{
		{"myapp.users.create", "myapp.users.create", true},
		{"myapp.users.create", "myapp.users.delete", false},
		{"myapp.*.create", "myapp.users.create", true},
		{"myapp.*.create", "myapp.orders.create", true},
		{"myapp.*", "myapp.create", true},
		{"myapp.*", "myapp.users.create", false},
		{"*", "main", true},
		{"*", "a.b", false},
		{"*.*", "a.b", true},
		{"a.b", "a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchSpecifier(tt.spec, tt.function),
			"MatchSpecifier(%q, %q)", tt.spec, tt.function)
	}
}

func TestSamplingGatesFirings(t *testing.T) {
	engine, sink := newTestEngine(t, "fn:t:entry { capture(); }")
	engine.prog.Sampling = 0.5

	rolls := []float64{0.3, 0.7, 0.49999, 0.9}
	i := 0
	engine.randFloat = func() float64 {
		r := rolls[i%len(rolls)]
		i++
		return r
	}

	for range rolls {
		require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))
	}

	// Rolls below 0.5 fire; the rest are skipped.
	assert.Len(t, sink.events, 2)
}

func TestSamplingZeroMeansUnsampled(t *testing.T) {
	engine, sink := newTestEngine(t, "fn:t:entry { capture(); }")
	engine.prog.Sampling = 0

	require.NoError(t, engine.FireEntry(entryFrame("t"), NewRequestStore()))
	assert.Len(t, sink.events, 1)
}

func TestProgramCache(t *testing.T) {
	cache, err := NewProgramCache(4)
	require.NoError(t, err)

	p1, err := cache.Load("fn:t:entry { }")
	require.NoError(t, err)
	p2, err := cache.Load("fn:t:entry { }")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, cache.Len())

	p3, err := cache.Load("fn:u:entry { }")
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, 2, cache.Len())

	_, err = cache.Load("not a program")
	require.Error(t, err)
	assert.Equal(t, 2, cache.Len())
}
