// Package intake finds unclaimed marketplace requests the worker can
// serve and leases exactly one at a time. Listing comes from the
// indexer; at-most-one claim semantics come from the fleet lease store.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/itskum47/MechForge/capability"
	"github.com/itskum47/MechForge/indexer"
	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/registry"
)

// ErrClaimLost means another worker won the lease.
var ErrClaimLost = errors.New("CLAIM_LOST")

// ErrIneligible means the worker's capability profile does not cover
// the request's tools. The request stays visible to other workers.
var ErrIneligible = errors.New("INELIGIBLE")

// Request is one unclaimed marketplace request.
type Request struct {
	RequestID       string
	Mech            common.Address
	ResponseTimeout int64
	EnabledTools    []string
	Blueprint       string
	JobDefinitionID string
}

// Claim is a leased request handed to the agent runner. WorkstreamID
// names this execution attempt across telemetry and delivery.
type Claim struct {
	Request      Request
	WorkstreamID string

	store   LeaseStore
	ownerID string
}

// Release gives the lease back. Safe to call after expiry.
func (c *Claim) Release(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Release(ctx, c.Request.RequestID, c.ownerID)
}

// Source lists undelivered requests addressed to the given mechs.
type Source interface {
	ListUnclaimed(ctx context.Context, mechs []common.Address) ([]indexer.RequestRecord, error)
}

// ProfileSource is the capability probe surface intake consumes.
type ProfileSource interface {
	Snapshot(ctx context.Context) capability.Profile
	ForRequest(ctx context.Context, requestID string) capability.Profile
}

// Intake polls for claimable requests once per cycle.
type Intake struct {
	source   Source
	leases   LeaseStore
	profiles ProfileSource
	workerID string
	leaseTTL time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewIntake builds an intake. leaseTTL bounds how long a crashed worker
// can pin a request; defaults to 10 minutes.
func NewIntake(source Source, leases LeaseStore, profiles ProfileSource, workerID string, leaseTTL time.Duration, log *logger.Logger) *Intake {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	if log == nil {
		log = logger.New("intake")
	}
	return &Intake{
		source:   source,
		leases:   leases,
		profiles: profiles,
		workerID: workerID,
		leaseTTL: leaseTTL,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the intake clock. Used in tests.
func (in *Intake) SetClock(now func() time.Time) { in.now = now }

// Next lists unclaimed requests for the managed mechs, filters them for
// the active service, and tries to lease the best candidate. Returns
// nil when nothing claimable exists this cycle.
func (in *Intake) Next(ctx context.Context, active registry.Service, managedMechs []common.Address) (*Claim, error) {
	records, err := in.source.ListUnclaimed(ctx, managedMechs)
	if err != nil {
		return nil, fmt.Errorf("list unclaimed: %w", err)
	}
	observability.IntakeRequestsSeen.Add(float64(len(records)))

	profile := in.profiles.Snapshot(ctx)
	candidates := in.filter(records, active, profile)
	in.order(candidates, profile)

	for _, req := range candidates {
		claim, err := in.TryClaim(ctx, req)
		if errors.Is(err, ErrClaimLost) || errors.Is(err, ErrIneligible) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claim, nil
	}
	return nil, nil
}

// TryClaim re-probes capabilities for this specific request and takes
// the lease. ErrIneligible when the scoped profile no longer covers the
// tools; ErrClaimLost when another worker holds the lease.
func (in *Intake) TryClaim(ctx context.Context, req Request) (*Claim, error) {
	scoped := in.profiles.ForRequest(ctx, req.RequestID)
	if !scoped.Covers(req.EnabledTools) {
		observability.ClaimAttempts.WithLabelValues("ineligible").Inc()
		return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrIneligible)
	}

	won, err := in.leases.Acquire(ctx, req.RequestID, in.workerID, in.leaseTTL)
	if err != nil {
		observability.ClaimAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire lease for %s: %w", req.RequestID, err)
	}
	if !won {
		observability.ClaimAttempts.WithLabelValues("lost").Inc()
		return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrClaimLost)
	}

	observability.ClaimAttempts.WithLabelValues("won").Inc()
	in.log.WithField("request_id", req.RequestID).Info("claimed request")
	return &Claim{
		Request:      req,
		WorkstreamID: uuid.NewString(),
		store:        in.leases,
		ownerID:      in.workerID,
	}, nil
}

// filter keeps requests the active service may serve right now: the
// capability profile covers the tools, and cross-mech requests only
// after their priority window expired.
func (in *Intake) filter(records []indexer.RequestRecord, active registry.Service, profile capability.Profile) []Request {
	now := in.now().Unix()
	var out []Request
	for _, rec := range records {
		req := Request{
			RequestID:       rec.RequestID,
			Mech:            rec.Mech,
			ResponseTimeout: rec.ResponseTimeout,
			EnabledTools:    rec.EnabledTools,
			Blueprint:       rec.Blueprint,
			JobDefinitionID: rec.JobDefinitionID,
		}
		if req.Mech != active.MechAddress && now <= req.ResponseTimeout {
			// Another mech still holds delivery priority.
			continue
		}
		if !profile.Covers(req.EnabledTools) {
			continue
		}
		out = append(out, req)
	}
	return out
}

// order sorts candidates with trusted-credential requests first: work
// whose tools draw on credentials this operator holds is claimed before
// generic work. Stable within each class.
func (in *Intake) order(reqs []Request, profile capability.Profile) {
	trusted := func(req Request) bool {
		providers := capability.RequiredCredentials(req.EnabledTools)
		if len(providers) == 0 {
			return false
		}
		for _, p := range providers {
			if !profile.HasProvider(p) {
				return false
			}
		}
		return true
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		return trusted(reqs[i]) && !trusted(reqs[j])
	})
}
