package sched

import (
	"fmt"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/chunk/state"
)

type Type int

const (
	OpLoad Type = iota
	OpUnload
	OpModify
	OpSave
	OpGenerate
)

func (t Type) String() string {
	switch t {
	case OpLoad:
		return "Load"
	case OpUnload:
		return "Unload"
	case OpModify:
		return "Modify"
	case OpSave:
		return "Save"
	case OpGenerate:
		return "Generate"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Operation is one queued unit of chunk work.
type Operation struct {
	Coord    chunk.Coord
	Type     Type
	Priority Priority

	// RequiredStatus gates dispatch for Modify/Save/Generate; None
	// means any status.
	RequiredStatus state.Status
	TargetStatus   state.Status

	// Payload carries per-type arguments, e.g. the voxel edit for a
	// Modify operation. The dispatcher owns its interpretation.
	Payload any

	RetryCount   int
	ErrorHistory []string
}

func (o *Operation) recordError(msg string) {
	o.ErrorHistory = append(o.ErrorHistory, msg)
	if len(o.ErrorHistory) > 10 {
		o.ErrorHistory = o.ErrorHistory[len(o.ErrorHistory)-10:]
	}
}
