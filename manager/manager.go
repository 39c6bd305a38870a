// Package manager assembles the control-plane core: the in-memory state
// store, the membership resolver, the router-agent binding manager, the
// event reactor, the notification dispatcher, and the L3 service, composed
// by explicit injection.
package manager

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager/drivers"
	"github.com/netplane/dvrkit/manager/l3"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/reactor"
	"github.com/netplane/dvrkit/manager/resolver"
	"github.com/netplane/dvrkit/manager/scheduler"
	"github.com/netplane/dvrkit/manager/state/store"
)

// Config collects the tunables of a manager instance.
type Config struct {
	// Caster is the transport notifications are cast over.
	Caster notifier.Caster
	// Clock drives heartbeat liveness and the reconciliation ticker.
	// Defaults to the wall clock.
	Clock clock.Clock
	// Resolver configures the serviceable-owner set.
	Resolver resolver.Config
	// Scheduler configures router-agent binding placement.
	Scheduler scheduler.Config
	// ReconcileInterval is how often routers are evacuated from dead
	// agents. Zero disables the reconciliation loop.
	ReconcileInterval time.Duration
	// Drivers are the mechanism-driver hooks invoked around binding
	// mutations.
	Drivers []drivers.Driver
}

// Manager owns the store and the services operating on it.
type Manager struct {
	Store    *store.MemoryStore
	Resolver *resolver.Resolver
	Bindings *scheduler.BindingManager
	Notifier *notifier.Dispatcher
	Reactor  *reactor.Reactor
	L3       *l3.Service

	config   Config
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// New wires a manager from its configuration.
func New(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.NewClock()
	}

	s := store.NewMemoryStore()
	res := resolver.New(config.Resolver)
	disp := notifier.New(s, config.Caster)
	reg := drivers.NewRegistry(config.Drivers...)
	bindings := scheduler.New(s, res, disp, reg, config.Clock, config.Scheduler)

	return &Manager{
		Store:    s,
		Resolver: res,
		Bindings: bindings,
		Notifier: disp,
		Reactor:  reactor.New(s, res, bindings, disp, reg),
		L3:       l3.New(s, bindings, disp, reg),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Run starts the event reactor and the reconciliation loop, blocking until
// Stop is called or the reactor fails.
func (m *Manager) Run(ctx context.Context) error {
	ctx = log.WithModule(ctx, "manager")
	defer close(m.doneChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- m.Reactor.Run(ctx)
	}()

	var tickChan <-chan time.Time
	var ticker clock.Ticker
	if m.config.ReconcileInterval > 0 {
		ticker = m.config.Clock.NewTicker(m.config.ReconcileInterval)
		defer ticker.Stop()
		tickChan = ticker.C()
	}

	for {
		select {
		case <-tickChan:
			m.Bindings.RescheduleFromDownAgents(ctx)
		case err := <-errChan:
			return err
		case <-m.stopChan:
			m.Reactor.Stop()
			return <-errChan
		case <-ctx.Done():
			m.Reactor.Stop()
			<-errChan
			return ctx.Err()
		}
	}
}

// Stop shuts the manager down and releases the store watchers. It is safe
// to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		<-m.doneChan
		m.Store.Close()
	})
}
