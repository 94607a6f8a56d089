package execution

import (
	"github.com/tathienbao/quant-runner/internal/types"
)

// Listener observes engine state changes. Calls happen on the goroutine
// driving the engine, after the change is committed.
type Listener interface {
	OrderUpdated(o types.Order)
	FillApplied(f types.Fill)
}

// AnomalyListener is optionally implemented by listeners that want to see
// ignored duplicate fills and reconciliation conflicts.
type AnomalyListener interface {
	DuplicateFill(ev types.FillEvent)
	Conflict(err *types.ReconciliationConflictError)
}

// ListenerFuncs adapts plain functions. Nil fields are skipped.
type ListenerFuncs struct {
	Order     func(types.Order)
	Fill      func(types.Fill)
	Duplicate func(types.FillEvent)
	Conflicts func(*types.ReconciliationConflictError)
}

func (l ListenerFuncs) OrderUpdated(o types.Order) {
	if l.Order != nil {
		l.Order(o)
	}
}

func (l ListenerFuncs) FillApplied(f types.Fill) {
	if l.Fill != nil {
		l.Fill(f)
	}
}

func (l ListenerFuncs) DuplicateFill(ev types.FillEvent) {
	if l.Duplicate != nil {
		l.Duplicate(ev)
	}
}

func (l ListenerFuncs) Conflict(err *types.ReconciliationConflictError) {
	if l.Conflicts != nil {
		l.Conflicts(err)
	}
}

var (
	_ Listener        = ListenerFuncs{}
	_ AnomalyListener = ListenerFuncs{}
)
