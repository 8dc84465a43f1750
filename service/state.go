package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/types"
)

// State is a step of a lifecycle operation.
type State int

const (
	StateIdle State = iota
	StateAuthenticatingIdentity
	StateFetchingNodeDirectory
	StateCollectingShares
	StateReconstructing
	StateValidatingAccount
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAuthenticatingIdentity:
		return "AuthenticatingIdentity"
	case StateFetchingNodeDirectory:
		return "FetchingNodeDirectory"
	case StateCollectingShares:
		return "CollectingShares"
	case StateReconstructing:
		return "Reconstructing"
	case StateValidatingAccount:
		return "ValidatingAccount"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StateObserver is notified on every transition of every operation.
type StateObserver func(operation string, state State)

// operation tracks one run of a lifecycle flow. It is owned by a single
// goroutine.
type operation struct {
	m       *Manager
	name    string
	state   State
	started time.Time
	logger  *logrus.Entry
}

func (m *Manager) begin(name string) *operation {
	op := &operation{
		m:       m,
		name:    name,
		state:   StateIdle,
		started: time.Now(),
		logger: m.logger.WithFields(logrus.Fields{
			"operation": name,
			"op_id":     uuid.NewString(),
		}),
	}
	op.notify()
	return op
}

func (o *operation) enter(s State) {
	if o.state == s || o.state == StateDone || o.state == StateFailed {
		return
	}
	o.state = s
	o.logger.WithField("state", s.String()).Debug("State transition")
	o.notify()
}

func (o *operation) notify() {
	if o.m.opts.Observer != nil {
		o.m.opts.Observer(o.name, o.state)
	}
}

// fail moves to Failed and returns err annotated with the state it failed in.
func (o *operation) fail(err error) error {
	if o.state == StateFailed {
		return err
	}
	failed := o.state
	o.state = StateFailed
	o.notify()
	o.logger.WithFields(logrus.Fields{
		"state": failed.String(),
		"error": err,
	}).Error("Operation failed")
	o.m.incCounter(o.name+".failure", []string{"state:" + failed.String()})
	o.m.measureTime(o.name+".latency", o.started, []string{"result:failure"})
	return &types.Failure{State: failed.String(), Err: err}
}

func (o *operation) done() {
	o.state = StateDone
	o.notify()
	o.logger.WithField("duration", time.Since(o.started).String()).Info("Operation completed")
	o.m.incCounter(o.name+".success", nil)
	o.m.measureTime(o.name+".latency", o.started, []string{"result:success"})
}
