package main

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/MechForge/agentrunner"
	"github.com/itskum47/MechForge/capability"
	"github.com/itskum47/MechForge/delivery"
	"github.com/itskum47/MechForge/intake"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/proxy"
	"github.com/itskum47/MechForge/registry"
	"github.com/itskum47/MechForge/rotation"
)

// TokenSource redeems short-lived provider credentials for one claim.
type TokenSource interface {
	Token(ctx context.Context, provider, requestID string) (capability.CredentialToken, error)
}

// pollLoop is the worker's single-tracked pipeline: rotate, claim, run
// the agent, deliver. One request in flight at a time.
type pollLoop struct {
	cfg     Config
	reg     *registry.Registry
	slot    *rotation.Slot
	rotator *rotation.Rotator
	probe   *capability.Probe
	intake  *intake.Intake
	keys    *keyring
	proxy   *proxy.Server
	runner  *agentrunner.Runner
	engine  *delivery.Engine
	tokens  TokenSource
	log     *logger.Logger
}

func (p *pollLoop) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle is one poll iteration. Errors are logged and the cycle ends;
// the next tick starts fresh.
func (p *pollLoop) cycle(ctx context.Context) {
	decision, err := p.rotator.Reevaluate(ctx)
	if err != nil {
		p.log.WithError(err).Error("rotation failed")
		return
	}
	if decision.Switched {
		// Grants are keyed by the signing wallet, which just changed.
		p.probe.Invalidate()
	}

	active, ok := p.slot.Get()
	if !ok {
		p.log.Warn("no active service; skipping cycle")
		return
	}

	claim, err := p.intake.Next(ctx, active, p.reg.Mechs())
	if err != nil {
		p.log.WithError(err).Error("intake failed")
		return
	}
	if claim == nil {
		return
	}

	p.serve(ctx, active, claim)
}

// redeemCredentials fetches a short-lived token for every provider the
// claim's tools require. Best effort: a failed redemption is logged and
// the agent runs without that provider.
func (p *pollLoop) redeemCredentials(ctx context.Context, claim *intake.Claim, log *logger.Logger) map[string]string {
	if p.tokens == nil {
		return nil
	}
	providers := capability.RequiredCredentials(claim.Request.EnabledTools)
	if len(providers) == 0 {
		return nil
	}

	creds := make(map[string]string, len(providers))
	for _, provider := range providers {
		token, err := p.tokens.Token(ctx, provider, claim.Request.RequestID)
		if err != nil {
			log.WithError(err).WithField("provider", provider).Warn("credential redemption failed")
			continue
		}
		creds[provider] = token.AccessToken
	}
	return creds
}

// serve runs the agent for one claim and delivers the result. The slot
// is held for the whole span so rotation cannot change identity under
// an in-flight request.
func (p *pollLoop) serve(ctx context.Context, active registry.Service, claim *intake.Claim) {
	p.slot.Hold()
	defer p.slot.Release()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := claim.Release(releaseCtx); err != nil {
			p.log.WithError(err).Warn("lease release failed")
		}
	}()

	log := &logger.Logger{Entry: p.log.WithField("request_id", claim.Request.RequestID)}

	result, err := p.runner.Run(ctx, agentrunner.RuntimeContext{
		ProxyURL:     p.proxy.URL(),
		ProxyToken:   p.proxy.Token(),
		RequestID:    claim.Request.RequestID,
		WorkstreamID: claim.WorkstreamID,
		Blueprint:    claim.Request.Blueprint,
		Credentials:  p.redeemCredentials(ctx, claim, log),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).Error("agent run failed")
		return
	}
	log.Infof("agent finished with status %s", result.FinalStatus)

	signer, err := p.keys.forService(active)
	if err != nil {
		log.WithError(err).Error("no signer for active service")
		return
	}

	deliverCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()
	outcome := p.engine.Deliver(deliverCtx, delivery.Job{
		RequestID:       claim.Request.RequestID,
		RequestMech:     claim.Request.Mech,
		ResponseTimeout: claim.Request.ResponseTimeout,
		WorkstreamID:    claim.WorkstreamID,
		Service:         active,
		Signer:          signer,
		Payload:         delivery.BuildPayload(claim.Request.RequestID, result),
	})

	entry := log.WithField("outcome", outcome.Status)
	switch outcome.Status {
	case delivery.OutcomeDone:
		entry.WithField("tx_hash", outcome.TxHash).Info("request delivered")
	case delivery.OutcomeRevoked:
		entry.Warn("delivery revoked by mech")
	default:
		entry.WithField("reason", outcome.Reason).Error("delivery failed")
	}
}
