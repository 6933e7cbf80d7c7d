package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itskum47/MechForge/capability"
	"github.com/itskum47/MechForge/indexer"
	"github.com/itskum47/MechForge/registry"
)

var (
	mechOurs  = common.HexToAddress("0x01")
	mechOther = common.HexToAddress("0x02")
)

type fakeSource struct {
	records []indexer.RequestRecord
	err     error
}

func (f *fakeSource) ListUnclaimed(_ context.Context, _ []common.Address) ([]indexer.RequestRecord, error) {
	return f.records, f.err
}

type fakeProfiles struct {
	global capability.Profile
	scoped map[string]capability.Profile
}

func (f *fakeProfiles) Snapshot(_ context.Context) capability.Profile { return f.global }

func (f *fakeProfiles) ForRequest(_ context.Context, requestID string) capability.Profile {
	if p, ok := f.scoped[requestID]; ok {
		return p
	}
	return f.global
}

func activeService() registry.Service {
	return registry.Service{ServiceConfigID: "svc-a", ServiceID: 1, MechAddress: mechOurs}
}

func record(id string, mech common.Address, timeout int64, tools ...string) indexer.RequestRecord {
	return indexer.RequestRecord{RequestID: id, Mech: mech, ResponseTimeout: timeout, EnabledTools: tools}
}

func newTestIntake(source Source, profiles ProfileSource) *Intake {
	return NewIntake(source, NewMemoryLeases(), profiles, "worker-0", time.Minute, nil)
}

func TestNextClaimsEligibleRequest(t *testing.T) {
	source := &fakeSource{records: []indexer.RequestRecord{
		record("0x01", mechOurs, 0, "embed_text"),
	}}
	profiles := &fakeProfiles{global: capability.Profile{CredentialProviders: []string{"openai"}}}
	in := newTestIntake(source, profiles)

	claim, err := in.Next(context.Background(), activeService(), []common.Address{mechOurs})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim == nil {
		t.Fatal("expected a claim")
	}
	if claim.Request.RequestID != "0x01" {
		t.Errorf("claimed %s, want 0x01", claim.Request.RequestID)
	}
	if claim.WorkstreamID == "" {
		t.Error("claim needs a workstream id")
	}
}

func TestCapabilityFilterExcludesUncoveredTools(t *testing.T) {
	source := &fakeSource{records: []indexer.RequestRecord{
		record("0x01", mechOurs, 0, "post_telegram"),
		record("0x02", mechOurs, 0, "embed_text"),
	}}
	profiles := &fakeProfiles{global: capability.Profile{CredentialProviders: []string{"openai"}}}
	in := newTestIntake(source, profiles)

	claim, err := in.Next(context.Background(), activeService(), []common.Address{mechOurs})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim == nil || claim.Request.RequestID != "0x02" {
		t.Fatalf("want claim on 0x02, got %+v", claim)
	}
}

func TestOperatorCapabilityRequired(t *testing.T) {
	source := &fakeSource{records: []indexer.RequestRecord{
		record("0x01", mechOurs, 0, "open_pull_request"),
	}}
	// Bridge grants github, but no local operator github token.
	profiles := &fakeProfiles{global: capability.Profile{CredentialProviders: []string{"github"}}}
	in := newTestIntake(source, profiles)

	claim, err := in.Next(context.Background(), activeService(), []common.Address{mechOurs})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim != nil {
		t.Fatal("request needing operator capability must not be claimed")
	}
}

func TestCrossMechGating(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	source := &fakeSource{records: []indexer.RequestRecord{
		record("0x03", mechOther, now.Unix()+120),
	}}
	in := newTestIntake(source, &fakeProfiles{})
	in.SetClock(func() time.Time { return now })

	claim, err := in.Next(context.Background(), activeService(), []common.Address{mechOurs, mechOther})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim != nil {
		t.Fatal("cross-mech request inside the priority window must be skipped")
	}

	in.SetClock(func() time.Time { return now.Add(121 * time.Second) })
	claim, err = in.Next(context.Background(), activeService(), []common.Address{mechOurs, mechOther})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim == nil || claim.Request.RequestID != "0x03" {
		t.Fatalf("want claim on 0x03 after window expiry, got %+v", claim)
	}
}

func TestTrustedCredentialPriority(t *testing.T) {
	source := &fakeSource{records: []indexer.RequestRecord{
		record("0x01", mechOurs, 0),
		record("0x02", mechOurs, 0, "embed_text"),
	}}
	profiles := &fakeProfiles{global: capability.Profile{CredentialProviders: []string{"openai"}}}
	in := newTestIntake(source, profiles)

	claim, err := in.Next(context.Background(), activeService(), []common.Address{mechOurs})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim == nil || claim.Request.RequestID != "0x02" {
		t.Fatalf("credentialed request should be claimed first, got %+v", claim)
	}
}

func TestClaimLost(t *testing.T) {
	leases := NewMemoryLeases()
	if won, _ := leases.Acquire(context.Background(), "0x01", "worker-other", time.Minute); !won {
		t.Fatal("setup: other worker should hold the lease")
	}
	in := NewIntake(&fakeSource{}, leases, &fakeProfiles{}, "worker-0", time.Minute, nil)

	_, err := in.TryClaim(context.Background(), Request{RequestID: "0x01"})
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("err = %v, want ErrClaimLost", err)
	}
}

func TestPerRequestReprobeCanReject(t *testing.T) {
	profiles := &fakeProfiles{
		global: capability.Profile{CredentialProviders: []string{"openai"}},
		scoped: map[string]capability.Profile{"0x01": {}},
	}
	in := newTestIntake(&fakeSource{}, profiles)

	_, err := in.TryClaim(context.Background(), Request{RequestID: "0x01", EnabledTools: []string{"embed_text"}})
	if !errors.Is(err, ErrIneligible) {
		t.Fatalf("err = %v, want ErrIneligible", err)
	}
}

func TestMemoryLeaseExpiry(t *testing.T) {
	leases := NewMemoryLeases()
	clock := time.Unix(1_700_000_000, 0)
	leases.SetClock(func() time.Time { return clock })

	if won, _ := leases.Acquire(context.Background(), "0x01", "worker-a", time.Minute); !won {
		t.Fatal("first acquire should win")
	}
	if won, _ := leases.Acquire(context.Background(), "0x01", "worker-b", time.Minute); won {
		t.Fatal("second owner must not win a live lease")
	}

	clock = clock.Add(2 * time.Minute)
	if won, _ := leases.Acquire(context.Background(), "0x01", "worker-b", time.Minute); !won {
		t.Fatal("expired lease should be claimable")
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	leases := NewMemoryLeases()
	ctx := context.Background()
	if won, _ := leases.Acquire(ctx, "0x01", "worker-a", time.Minute); !won {
		t.Fatal("acquire should win")
	}
	if err := leases.Release(ctx, "0x01", "worker-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if won, _ := leases.Acquire(ctx, "0x01", "worker-b", time.Minute); won {
		t.Fatal("foreign release must not free the lease")
	}
}
