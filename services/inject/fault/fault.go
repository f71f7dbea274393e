// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault turns an injection candidate's exception name into an
// error value the instrumented code can raise.
//
// The graph spec names exceptions by their fully qualified class name in
// the target's language. Kind groups them into the families Go callers can
// branch on with errors.Is:
//
//	err := injector.Inject(ctx, 17, 3)
//	if errors.Is(err, fault.ErrIO) { ... }
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the family of an injected fault.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindTimeout
	KindConnection
	KindInterrupted
	KindIllegalState
	KindIllegalArgument
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindInterrupted:
		return "interrupted"
	case KindIllegalState:
		return "illegal_state"
	case KindIllegalArgument:
		return "illegal_argument"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind. A *Fault matches the sentinel of its Kind.
var (
	ErrIO              = errors.New("injected I/O fault")
	ErrTimeout         = errors.New("injected timeout fault")
	ErrConnection      = errors.New("injected connection fault")
	ErrInterrupted     = errors.New("injected interruption fault")
	ErrIllegalState    = errors.New("injected illegal state fault")
	ErrIllegalArgument = errors.New("injected illegal argument fault")
	ErrRuntime         = errors.New("injected runtime fault")
	ErrUnknown         = errors.New("injected fault")
)

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindTimeout:
		return ErrTimeout
	case KindConnection:
		return ErrConnection
	case KindInterrupted:
		return ErrInterrupted
	case KindIllegalState:
		return ErrIllegalState
	case KindIllegalArgument:
		return ErrIllegalArgument
	case KindRuntime:
		return ErrRuntime
	default:
		return ErrUnknown
	}
}

// kindBySimpleName maps exception simple names. Checked before the suffix
// rules in KindOf.
var kindBySimpleName = map[string]Kind{
	"IOException":                KindIO,
	"FileNotFoundException":      KindIO,
	"EOFException":               KindIO,
	"SocketTimeoutException":     KindTimeout,
	"TimeoutException":           KindTimeout,
	"KeeperException":            KindConnection,
	"ConnectException":           KindConnection,
	"ConnectionLossException":    KindConnection,
	"NoRouteToHostException":     KindConnection,
	"UnknownHostException":       KindConnection,
	"SocketException":            KindConnection,
	"InterruptedException":       KindInterrupted,
	"InterruptedIOException":     KindInterrupted,
	"ClosedByInterruptException": KindInterrupted,
	"IllegalStateException":      KindIllegalState,
	"IllegalArgumentException":   KindIllegalArgument,
	"RuntimeException":           KindRuntime,
	"NullPointerException":       KindRuntime,
}

// KindOf resolves the family of an exception class name.
//
// The package path is ignored. Unlisted names ending in "Timeout..." or
// "...IOException" fall into KindTimeout and KindIO.
func KindOf(exception string) Kind {
	name := exception
	if i := strings.LastIndexAny(name, ".$"); i >= 0 {
		name = name[i+1:]
	}
	if kind, ok := kindBySimpleName[name]; ok {
		return kind
	}
	switch {
	case strings.Contains(name, "Timeout"):
		return KindTimeout
	case strings.HasSuffix(name, "IOException"):
		return KindIO
	case strings.HasSuffix(name, "Exception"):
		return KindRuntime
	default:
		return KindUnknown
	}
}

// Fault is the error returned to the instrumented code when an injection
// fires.
type Fault struct {
	Kind        Kind
	Exception   string
	InjectionID int
	Occurrence  int
	BlockID     int
	PID         int
}

// New builds the fault for a fired injection.
func New(exception string, pid, injectionID, occurrence, blockID int) *Fault {
	return Resolve(exception).Fault(pid, injectionID, occurrence, blockID)
}

// Template is an exception name with its Kind already resolved. The
// coordinators resolve one per injection point when the graph is loaded.
type Template struct {
	Kind      Kind
	Exception string
}

// Resolve classifies exception once.
func Resolve(exception string) Template {
	return Template{Kind: KindOf(exception), Exception: exception}
}

// Fault instantiates the template for one firing.
func (t Template) Fault(pid, injectionID, occurrence, blockID int) *Fault {
	return &Fault{
		Kind:        t.Kind,
		Exception:   t.Exception,
		InjectionID: injectionID,
		Occurrence:  occurrence,
		BlockID:     blockID,
		PID:         pid,
	}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: injected at id=%d occurrence=%d pid=%d", f.Exception, f.InjectionID, f.Occurrence, f.PID)
}

// Is matches the sentinel of the fault's Kind.
func (f *Fault) Is(target error) bool {
	return target == f.Kind.sentinel()
}

// Unwrap returns the sentinel of the fault's Kind.
func (f *Fault) Unwrap() error {
	return f.Kind.sentinel()
}

// As extracts a *Fault from err.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
