// Package program defines the compiled probe program container and its
// wire format.
//
// A Program is what the compiler produces and what hosts install:
// a version, one shared constant pool, the probes (each with predicate
// and body bytecode), and a global sampling rate. Programs are immutable
// after compilation and safe to share across goroutines without locking.
package program

import "github.com/PostHog/hogtrace/pkg/bytecode"

// Version is the current program format version. Encoders always emit
// it; decoders reject anything else.
const Version uint32 = 1

// FnTarget says whether a function probe fires on entry or exit.
type FnTarget int32

const (
	TargetEntry FnTarget = 0
	TargetExit  FnTarget = 1
)

func (t FnTarget) String() string {
	if t == TargetExit {
		return "exit"
	}
	return "entry"
}

// FnSpec is a function probe site: a dotted specifier with optional '*'
// wildcards, and the entry/exit target.
type FnSpec struct {
	Specifier string
	Target    FnTarget
}

// Spec is the probe site specification. It is a one-of; Fn is the only
// variant the format currently defines.
type Spec struct {
	Fn *FnSpec
}

// Probe is a single compiled probe. Predicate is empty (nil) when the
// probe has no predicate; Body holds the action bytecode.
type Probe struct {
	ID        string
	Spec      Spec
	Predicate []byte
	Body      []byte
}

// Program is a compiled HogTrace program ready for execution.
type Program struct {
	Version      uint32
	ConstantPool *bytecode.ConstantPool
	Probes       []Probe

	// Sampling is the global sampling rate in [0, 1]; 1.0 fires every
	// probe, 0.5 fires roughly half. Enforcement is the host's job.
	Sampling float32
}
