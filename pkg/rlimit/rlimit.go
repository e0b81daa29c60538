// Package rlimit provides data structures for the resource limits applied
// to launched service processes by the setrlimit family on linux.
package rlimit

import (
	"fmt"
	"strings"
	"syscall"
)

// Limit is one resource limit entry. Either side may be left unset, in
// which case the current value for that side is preserved when the limit
// is applied.
type Limit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_NOFILE)
	Res int
	// Soft and Hard are the values for the sides marked as set
	Soft, Hard uint64
	// SoftSet and HardSet select which sides the entry changes
	SoftSet, HardSet bool
}

// SoftLimit returns a Limit setting only the soft side of res.
func SoftLimit(res int, v uint64) Limit {
	return Limit{Res: res, Soft: v, SoftSet: true}
}

// HardLimit returns a Limit setting only the hard side of res.
func HardLimit(res int, v uint64) Limit {
	return Limit{Res: res, Hard: v, HardSet: true}
}

// Both returns a Limit setting both sides of res.
func Both(res int, soft, hard uint64) Limit {
	return Limit{Res: res, Soft: soft, Hard: hard, SoftSet: true, HardSet: true}
}

// Merge overlays the set sides of l onto cur, the limit pair in effect at
// the time of the change, and returns the pair to apply. An unset side is
// left at its current value.
func (l Limit) Merge(cur syscall.Rlimit) syscall.Rlimit {
	if l.SoftSet {
		cur.Cur = l.Soft
	}
	if l.HardSet {
		cur.Max = l.Hard
	}
	return cur
}

// RLimits defines the aggregate limits commonly configured for a service.
// Zero values are not applied.
type RLimits struct {
	CPU          uint64 // in s
	Data         uint64 // in bytes
	FileSize     uint64 // in bytes
	Stack        uint64 // in bytes
	AddressSpace uint64 // in bytes
	OpenFiles    uint64
	DisableCore  bool // set core to 0
}

// PrepareRLimit creates the limit entries for a launch, both sides set.
func (r *RLimits) PrepareRLimit() []Limit {
	var ret []Limit
	if r.CPU > 0 {
		ret = append(ret, Both(syscall.RLIMIT_CPU, r.CPU, r.CPU))
	}
	if r.Data > 0 {
		ret = append(ret, Both(syscall.RLIMIT_DATA, r.Data, r.Data))
	}
	if r.FileSize > 0 {
		ret = append(ret, Both(syscall.RLIMIT_FSIZE, r.FileSize, r.FileSize))
	}
	if r.Stack > 0 {
		ret = append(ret, Both(syscall.RLIMIT_STACK, r.Stack, r.Stack))
	}
	if r.AddressSpace > 0 {
		ret = append(ret, Both(syscall.RLIMIT_AS, r.AddressSpace, r.AddressSpace))
	}
	if r.OpenFiles > 0 {
		ret = append(ret, Both(syscall.RLIMIT_NOFILE, r.OpenFiles, r.OpenFiles))
	}
	if r.DisableCore {
		ret = append(ret, Both(syscall.RLIMIT_CORE, 0, 0))
	}
	return ret
}

func resName(res int) string {
	switch res {
	case syscall.RLIMIT_CPU:
		return "CPU"
	case syscall.RLIMIT_DATA:
		return "Data"
	case syscall.RLIMIT_FSIZE:
		return "File"
	case syscall.RLIMIT_STACK:
		return "Stack"
	case syscall.RLIMIT_AS:
		return "AddressSpace"
	case syscall.RLIMIT_NOFILE:
		return "OpenFiles"
	case syscall.RLIMIT_CORE:
		return "Core"
	}
	return fmt.Sprintf("Res(%d)", res)
}

func side(set bool, v uint64) string {
	if !set {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}

func (l Limit) String() string {
	return fmt.Sprintf("%s[%s:%s]", resName(l.Res), side(l.SoftSet, l.Soft), side(l.HardSet, l.Hard))
}

func (r RLimits) String() string {
	var sb strings.Builder
	sb.WriteString("RLimits[")
	for i, l := range r.PrepareRLimit() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(l.String())
	}
	sb.WriteString("]")
	return sb.String()
}
