// Package rotation selects which staked service the worker serves. The
// active service is a single process-wide slot; it only ever changes
// between poll cycles, never while a claimed request is in flight.
package rotation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/MechForge/activity"
	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/registry"
)

// Slot is the process-wide active-service holder. Readers (signing
// proxy, delivery engine, intake) see a consistent service for the whole
// lifetime of a claim: while any job hold is open the rotator will not
// switch.
type Slot struct {
	mu    sync.RWMutex
	svc   *registry.Service
	holds int
}

// NewSlot returns an empty slot.
func NewSlot() *Slot { return &Slot{} }

// Get returns the active service, if one has been selected.
func (s *Slot) Get() (registry.Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.svc == nil {
		return registry.Service{}, false
	}
	return *s.svc, true
}

// Hold marks a claim as in flight. Every Hold must be paired with a
// Release once the claim's delivery completes or fails.
func (s *Slot) Hold() {
	s.mu.Lock()
	s.holds++
	s.mu.Unlock()
}

// Release drops one job hold.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.holds > 0 {
		s.holds--
	}
	s.mu.Unlock()
}

func (s *Slot) held() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holds > 0
}

func (s *Slot) set(svc registry.Service) {
	s.mu.Lock()
	s.svc = &svc
	s.mu.Unlock()
}

// Decision is the outcome of one rotation evaluation.
type Decision struct {
	Service  registry.Service
	Reason   string
	Switched bool
}

// Monitor is the activity-monitor surface the rotator consumes.
type Monitor interface {
	Check(ctx context.Context, services []registry.Service) []activity.Status
}

// Rotator picks the service that still needs the most on-chain activity
// this epoch. Evaluations are rate-limited to the poll interval.
type Rotator struct {
	monitor  Monitor
	slot     *Slot
	services []registry.Service
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	last     Decision
	lastEval time.Time
	switches int
}

// NewRotator builds a rotator over the registry's rotatable services.
func NewRotator(monitor Monitor, slot *Slot, services []registry.Service, interval time.Duration, log *logger.Logger) *Rotator {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = logger.New("rotator")
	}
	return &Rotator{
		monitor:  monitor,
		slot:     slot,
		services: services,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the rotator clock. Used in tests.
func (r *Rotator) SetClock(now func() time.Time) { r.now = now }

// Switches returns the number of active-service switches so far.
func (r *Rotator) Switches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switches
}

// Initialize performs the first evaluation and publishes the active
// service unconditionally.
func (r *Rotator) Initialize(ctx context.Context) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluate(ctx)
}

// Reevaluate re-runs the selection. Calls arriving before the poll
// interval has elapsed, or while a claim hold is open, return the
// previous decision unchanged.
func (r *Rotator) Reevaluate(ctx context.Context) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Sub(r.lastEval) < r.interval {
		return r.last, nil
	}
	if r.slot.held() {
		r.log.Debug("rotation deferred: claim in flight")
		return r.last, nil
	}
	return r.evaluate(ctx)
}

func (r *Rotator) evaluate(ctx context.Context) (Decision, error) {
	if len(r.services) == 0 {
		return Decision{}, fmt.Errorf("no rotatable services")
	}
	r.lastEval = r.now()

	var staked []registry.Service
	for _, svc := range r.services {
		if svc.Staked() {
			staked = append(staked, svc)
		}
	}

	// Unstaked services have no eligibility clock; with nothing staked
	// the first valid service is always active.
	if len(staked) == 0 {
		decision := Decision{Service: r.services[0], Reason: "no staked services"}
		observability.RotationDecisions.WithLabelValues("unstaked").Inc()
		return r.publish(decision), nil
	}

	statuses := r.monitor.Check(ctx, staked)

	var pending []activity.Status
	for _, status := range statuses {
		if status.Err != nil {
			r.log.WithError(status.Err).
				Warnf("activity check failed for %s; excluding from rotation", status.Service.ServiceConfigID)
			continue
		}
		observability.ServiceRequestsNeeded.
			WithLabelValues(status.Service.ServiceConfigID).
			Set(float64(status.RequestsNeeded))
		if !status.IsEligibleForRewards {
			pending = append(pending, status)
		}
	}

	if len(pending) > 0 {
		// Largest deficit first; stable config-id order on ties.
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].RequestsNeeded != pending[j].RequestsNeeded {
				return pending[i].RequestsNeeded > pending[j].RequestsNeeded
			}
			return pending[i].Service.ServiceConfigID < pending[j].Service.ServiceConfigID
		})
		chosen := pending[0]
		decision := Decision{
			Service: chosen.Service,
			Reason:  fmt.Sprintf("service #%d needs %d more requests", chosen.Service.ServiceID, chosen.RequestsNeeded),
		}
		observability.RotationDecisions.WithLabelValues("needs_requests").Inc()
		return r.publish(decision), nil
	}

	// Everyone is eligible (or errored): keep whatever is active to
	// avoid churn, falling back to the first staked service on startup.
	observability.RotationDecisions.WithLabelValues("all_eligible").Inc()
	if current, ok := r.slot.Get(); ok {
		return r.publish(Decision{Service: current, Reason: "all services eligible for epoch"}), nil
	}
	return r.publish(Decision{Service: staked[0], Reason: "all services eligible for epoch"}), nil
}

// publish writes the decision into the slot if the selection changed.
func (r *Rotator) publish(decision Decision) Decision {
	current, ok := r.slot.Get()
	if !ok || current.ServiceConfigID != decision.Service.ServiceConfigID {
		if ok {
			observability.ActiveServiceInfo.WithLabelValues(current.ServiceConfigID).Set(0)
			observability.RotationSwitches.Inc()
			r.switches++
			decision.Switched = true
			r.log.Infof("rotating %s -> %s (%s)", current.ServiceConfigID, decision.Service.ServiceConfigID, decision.Reason)
		} else {
			r.log.Infof("selecting %s (%s)", decision.Service.ServiceConfigID, decision.Reason)
		}
		r.slot.set(decision.Service)
		observability.ActiveServiceInfo.WithLabelValues(decision.Service.ServiceConfigID).Set(1)
	}
	r.last = decision
	return decision
}
