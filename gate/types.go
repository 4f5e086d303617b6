// Package gate implements the Gate Registry (C6) and Cross-Processor
// Gate (C7): a named, reference-counted cross-core mutex combining a
// remote hardware spinlock with a local in-process protection variant.
//
// The resource-id bitmap / proxy-aliasing algorithm is expressed as a
// small registry type guarding region-backed records, in the same
// idiom as procsync.Slot's half-record pattern and region.Registry's
// reserved prefix for bootstrap metadata.
package gate

import (
	"fmt"

	"github.com/ipcdev/ipc/status"
)

// ProtectionKind is one of the (at most three) remote hardware
// spinlock kinds a gate can be backed by, per §6's "system, custom1,
// custom2" vocabulary.
type ProtectionKind int

const (
	System ProtectionKind = iota
	Custom1
	Custom2
	numProtectionKinds
)

func (k ProtectionKind) String() string {
	switch k {
	case System:
		return "system"
	case Custom1:
		return "custom1"
	case Custom2:
		return "custom2"
	default:
		return fmt.Sprintf("ProtectionKind(%d)", int(k))
	}
}

// LocalProtectionKind is the in-process serialization a gate layers on
// top of the remote spinlock, per §6's four local protection levels.
type LocalProtectionKind int

const (
	None LocalProtectionKind = iota
	Interrupt
	Tasklet
	ThreadOrProcess
)

func (k LocalProtectionKind) String() string {
	switch k {
	case None:
		return "none"
	case Interrupt:
		return "interrupt"
	case Tasklet:
		return "tasklet"
	case ThreadOrProcess:
		return "thread-or-process"
	default:
		return fmt.Sprintf("LocalProtectionKind(%d)", int(k))
	}
}

// ProxyMap describes which of the (up to three) resource-id bitmaps
// alias one another: a deployment with fewer than three independent
// hardware spinlock instruments maps the surplus protection kinds onto
// one of the others (§6). At most one flag may be set (none means all
// three kinds are independent), and Custom2EqualsSystem is always
// rejected; see Validate.
type ProxyMap struct {
	Custom1EqualsSystem bool
	Custom2EqualsSystem bool
	Custom2EqualsCustom1 bool
}

// Validate rejects any ProxyMap configuration this registry cannot
// resolve to a single aliasing rule per kind. Three combinations are
// well-formed (no aliasing; custom1 aliases system; custom2 aliases
// custom1); a fourth — custom2 aliasing system while custom1 stays
// independent — is an unhandled combination and is rejected here with
// invalid-argument rather than silently resolved one way or another.
// Any combination setting more than one flag is rejected for the same
// reason.
func (p ProxyMap) Validate() error {
	set := 0
	if p.Custom1EqualsSystem {
		set++
	}
	if p.Custom2EqualsSystem {
		set++
	}
	if p.Custom2EqualsCustom1 {
		set++
	}
	if set > 1 {
		return status.New(status.InvalidArgument, "proxy map sets more than one aliasing rule")
	}
	if p.Custom2EqualsSystem && !p.Custom1EqualsSystem {
		return status.New(status.InvalidArgument,
			"custom2-aliases-system while custom1 remains independent is not a supported proxy map")
	}
	return nil
}

// resolve maps a requested protection kind to the bitmap it actually
// allocates against, applying the configured aliasing.
func (p ProxyMap) resolve(kind ProtectionKind) ProtectionKind {
	switch kind {
	case Custom1:
		if p.Custom1EqualsSystem {
			return System
		}
	case Custom2:
		if p.Custom2EqualsSystem {
			return System
		}
		if p.Custom2EqualsCustom1 {
			return Custom1
		}
	}
	return kind
}

// Config parameterizes a Registry at bring-up.
type Config struct {
	// LocalCoreID is this process's own core id, recorded as creator
	// metadata on every gate this core creates.
	LocalCoreID int

	// NumResources gives each protection kind's bitmap size. A kind
	// that aliases another (per ProxyMap) must have its own count
	// ignored; the aliased bitmap's count governs.
	NumResources [numProtectionKinds]int

	// Reserved marks resource ids that are pre-allocated at install
	// time (never handed out by Create), indexed per protection kind.
	Reserved [numProtectionKinds][]int

	Proxy ProxyMap
}
