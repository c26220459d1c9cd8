package lifecycle

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Component is a long-running part of the process with an explicit start and
// stop. Stop must respect the deadline carried by its context.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type registration struct {
	name      string
	component Component
}

// Runtime starts registered components in order and stops them in reverse.
type Runtime struct {
	registrations []registration
}

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Register(name string, component Component) {
	if component == nil {
		return
	}
	r.registrations = append(r.registrations, registration{name: name, component: component})
}

// Start brings every component up. On the first failure it stops the ones
// already started, in reverse order, and returns the failure.
func (r *Runtime) Start(ctx context.Context) error {
	for i, reg := range r.registrations {
		if err := reg.component.Start(ctx); err != nil {
			_ = stopRegistrations(ctx, r.registrations[:i])
			return errors.WithMessagef(err, "start %s", reg.name)
		}
		log.WithField("component", reg.name).Debug("started")
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	return stopRegistrations(ctx, r.registrations)
}

func stopRegistrations(ctx context.Context, regs []registration) error {
	var stopErr error
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		if err := reg.component.Stop(ctx); err != nil {
			log.WithError(err).WithField("component", reg.name).Error("cant stop component")
			stopErr = stderrors.Join(stopErr, errors.WithMessagef(err, "stop %s", reg.name))
			continue
		}
		log.WithField("component", reg.name).Debug("stopped")
	}
	return stopErr
}
