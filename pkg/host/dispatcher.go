package host

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PostHog/hogtrace/pkg/value"
	"github.com/PostHog/hogtrace/pkg/vm"
)

// storeProxy is the opaque handle returned for LOAD_VAR "req"/"request".
// GET_ATTR and SET_ATTR on it read and write the request store. Bytecode
// cannot forge one; it only exists behind a Value the dispatcher issued.
type storeProxy struct {
	store *RequestStore
}

// Frame carries the probed function's call state into a firing. The
// embedding runtime fills it from whatever its instrumentation layer
// captures.
type Frame struct {
	// Function is the qualified dotted name of the probed function,
	// e.g. "myapp.users.create". Used for probe matching.
	Function string

	// Args are the positional arguments, addressed as args / arg0..argN.
	Args []value.Value

	// Kwargs are the keyword arguments, addressed as kwargs.
	Kwargs map[string]value.Value

	// Locals are the frame's local variables; unknown variable names
	// fall back to a lookup here.
	Locals map[string]value.Value

	// Globals are the module globals, addressed as globals.
	Globals map[string]value.Value

	// Self is the receiver for method calls, or None.
	Self value.Value
}

// CaptureEvent is one named map of values produced by capture()/send().
// Events are buffered in the dispatcher during a firing and surfaced to
// the host afterwards.
type CaptureEvent struct {
	// ID is a generated event identifier.
	ID string

	// Data holds the event payload: named args as given, positional args
	// under arg0..argN keys.
	Data map[string]value.Value
}

// FrameDispatcher is the reference Dispatcher: it resolves variables
// against a Frame, routes request-scoped access through a RequestStore,
// and implements the reserved builtin functions. One dispatcher serves
// one probe firing.
type FrameDispatcher struct {
	vm.DefaultOps

	frame     Frame
	isExit    bool
	retval    value.Value
	hasRetval bool
	exception value.Value
	store     *RequestStore
	captures  []CaptureEvent
}

// NewEntryDispatcher creates a dispatcher for an entry-probe firing.
func NewEntryDispatcher(frame Frame, store *RequestStore) *FrameDispatcher {
	return &FrameDispatcher{frame: frame, store: store}
}

// NewExitDispatcher creates a dispatcher for an exit-probe firing.
// hasRetval is false when the function unwound with an exception;
// exception is None when it returned normally.
func NewExitDispatcher(frame Frame, retval value.Value, hasRetval bool, exception value.Value, store *RequestStore) *FrameDispatcher {
	return &FrameDispatcher{
		frame:     frame,
		isExit:    true,
		retval:    retval,
		hasRetval: hasRetval,
		exception: exception,
		store:     store,
	}
}

// TakeCaptures returns the buffered capture events and clears the buffer.
func (d *FrameDispatcher) TakeCaptures() []CaptureEvent {
	captures := d.captures
	d.captures = nil
	return captures
}

// LoadVariable resolves the conventional variable names against the
// frame, and answers req/request with the store proxy.
func (d *FrameDispatcher) LoadVariable(name string) (value.Value, error) {
	switch name {
	case "req", "request":
		return value.Object(&storeProxy{store: d.store}), nil

	case "args":
		return value.Object(d.frame.Args), nil

	case "kwargs":
		return value.Object(d.frame.Kwargs), nil

	case "retval":
		if !d.isExit {
			return value.None, fmt.Errorf("retval only available in exit probes")
		}
		if !d.hasRetval {
			return value.None, fmt.Errorf("no return value")
		}
		return d.retval, nil

	case "exception":
		if !d.isExit {
			return value.None, fmt.Errorf("exception only available in exit probes")
		}
		return d.exception, nil

	case "self":
		return d.frame.Self, nil

	case "locals":
		return value.Object(d.frame.Locals), nil

	case "globals":
		return value.Object(d.frame.Globals), nil
	}

	// arg0, arg1, ... index into the positional arguments.
	if n, ok := argIndex(name); ok {
		if n >= len(d.frame.Args) {
			return value.None, fmt.Errorf("argument %d not found", n)
		}
		return d.frame.Args[n], nil
	}

	if v, ok := d.frame.Locals[name]; ok {
		return v, nil
	}
	return value.None, fmt.Errorf("variable %s not found", name)
}

// StoreVariable is unused by compiler output: request writes go through
// SetAttribute on the store proxy.
func (d *FrameDispatcher) StoreVariable(name string, v value.Value) error {
	return fmt.Errorf("cannot store to variable %s (request writes use the store proxy)", name)
}

// GetAttribute reads obj.name. The store proxy answers from the request
// store (None when unset); map-backed objects answer by key.
func (d *FrameDispatcher) GetAttribute(obj value.Value, name string) (value.Value, error) {
	if proxy, ok := obj.Obj().(*storeProxy); ok {
		return proxy.store.Get(name), nil
	}
	if m, ok := obj.Obj().(map[string]value.Value); ok {
		if v, ok := m[name]; ok {
			return v, nil
		}
		return value.None, fmt.Errorf("attribute %s not found", name)
	}
	return value.None, fmt.Errorf("cannot get attribute %s on %s", name, obj.Kind())
}

// SetAttribute writes obj.name = v. Only the store proxy is writable.
func (d *FrameDispatcher) SetAttribute(obj value.Value, name string, v value.Value) error {
	if proxy, ok := obj.Obj().(*storeProxy); ok {
		proxy.store.Set(name, v)
		return nil
	}
	return fmt.Errorf("cannot set attribute %s on non-request object", name)
}

// GetItem reads obj[key]: integer indexing on slice-backed objects,
// string keys on map-backed objects. Any other value, strings included,
// cannot be indexed.
func (d *FrameDispatcher) GetItem(obj, key value.Value) (value.Value, error) {
	switch backing := obj.Obj().(type) {
	case []value.Value:
		idx, err := key.AsInt()
		if err != nil {
			return value.None, fmt.Errorf("list index must be an int, got %s", key.Kind())
		}
		if idx < 0 || int(idx) >= len(backing) {
			return value.None, fmt.Errorf("index %d out of range", idx)
		}
		return backing[idx], nil

	case map[string]value.Value:
		k, err := key.AsString()
		if err != nil {
			return value.None, fmt.Errorf("map key must be a string, got %s", key.Kind())
		}
		if v, ok := backing[k]; ok {
			return v, nil
		}
		return value.None, fmt.Errorf("key %q not found", k)
	}

	return value.None, fmt.Errorf("cannot index %s", obj.Kind())
}

// CallFunction implements the reserved builtins. Unknown names are
// errors; the reference host has no foreign-call escape hatch.
func (d *FrameDispatcher) CallFunction(name string, args []value.Value) (value.Value, error) {
	switch name {
	case "timestamp":
		return value.Float(float64(time.Now().UnixNano()) / 1e9), nil

	case "rand":
		return value.Float(rand.Float64()), nil

	case "len":
		if len(args) != 1 {
			return value.None, fmt.Errorf("len() takes 1 argument, got %d", len(args))
		}
		return builtinLen(args[0])

	case "str":
		if len(args) != 1 {
			return value.None, fmt.Errorf("str() takes 1 argument, got %d", len(args))
		}
		return value.String(args[0].String()), nil

	case "int":
		if len(args) != 1 {
			return value.None, fmt.Errorf("int() takes 1 argument, got %d", len(args))
		}
		i, err := asIntArg(args[0])
		if err != nil {
			return value.None, err
		}
		return value.Int(i), nil

	case "float":
		if len(args) != 1 {
			return value.None, fmt.Errorf("float() takes 1 argument, got %d", len(args))
		}
		f, err := asFloatArg(args[0])
		if err != nil {
			return value.None, err
		}
		return value.Float(f), nil

	case "capture", "send":
		d.captures = append(d.captures, decodeCaptureArgs(args))
		return value.None, nil

	default:
		return value.None, fmt.Errorf("function %s not found", name)
	}
}

// decodeCaptureArgs rebuilds the capture payload from the calling
// convention: the named form is even arity with a string at every even
// index, decoded back to {name: value}; everything else is positional
// and stored as arg0..argN.
func decodeCaptureArgs(args []value.Value) CaptureEvent {
	data := make(map[string]value.Value)

	named := len(args)%2 == 0 && len(args) > 0
	if named {
		for i := 0; i < len(args); i += 2 {
			if args[i].Kind() != value.KindString {
				named = false
				break
			}
		}
	}

	if named {
		for i := 0; i < len(args); i += 2 {
			k, _ := args[i].AsString()
			data[k] = sanitizeCaptureValue(args[i+1])
		}
	} else {
		for i, arg := range args {
			data["arg"+strconv.Itoa(i)] = sanitizeCaptureValue(arg)
		}
	}

	return CaptureEvent{ID: uuid.NewString(), Data: data}
}

// sanitizeCaptureValue keeps events transportable: opaque host objects
// degrade to None in the payload.
func sanitizeCaptureValue(v value.Value) value.Value {
	if v.Kind() == value.KindObject {
		return value.None
	}
	return v
}

func builtinLen(v value.Value) (value.Value, error) {
	switch backing := v.Obj().(type) {
	case []value.Value:
		return value.Int(int64(len(backing))), nil
	case map[string]value.Value:
		return value.Int(int64(len(backing))), nil
	}
	if v.Kind() == value.KindString {
		s, _ := v.AsString()
		return value.Int(int64(len(s))), nil
	}
	return value.None, fmt.Errorf("len() not supported for %s", v.Kind())
}

func asIntArg(v value.Value) (int64, error) {
	if v.Kind() == value.KindString {
		s, _ := v.AsString()
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return v.AsInt()
}

func asFloatArg(v value.Value) (float64, error) {
	if v.Kind() == value.KindString {
		s, _ := v.AsString()
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return v.AsFloat()
}

// argIndex parses argN names; returns false for anything else.
func argIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "arg") {
		return 0, false
	}
	n, err := strconv.Atoi(name[3:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
