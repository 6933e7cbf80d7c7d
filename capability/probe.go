package capability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/MechForge/pkg/logger"
)

// CapabilityProber is the bridge surface the probe consumes.
type CapabilityProber interface {
	Capabilities(ctx context.Context, requestID string) ([]string, error)
}

// GitHubConfig points the operator probe at a GitHub API with a token.
type GitHubConfig struct {
	APIURL string
	Token  string
}

// Profile is the worker's current capability snapshot: which credential
// providers the bridge grants and which capabilities the operator
// provides locally.
type Profile struct {
	CredentialProviders  []string
	OperatorCapabilities []string
}

// HasProvider reports whether a credential provider is granted.
func (p Profile) HasProvider(provider string) bool {
	return contains(p.CredentialProviders, provider)
}

// HasOperator reports whether a local operator capability is present.
func (p Profile) HasOperator(capability string) bool {
	return contains(p.OperatorCapabilities, capability)
}

// Covers reports whether the profile satisfies every requirement of the
// given tool set.
func (p Profile) Covers(tools []string) bool {
	for _, provider := range RequiredCredentials(tools) {
		if !p.HasProvider(provider) {
			return false
		}
	}
	for _, capability := range RequiredOperatorCapabilities(tools) {
		if !p.HasOperator(capability) {
			return false
		}
	}
	return true
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

// Probe assembles the capability profile for the active service. The
// snapshot is cached until Invalidate is called on a service rotation;
// per-request probes always hit the bridge fresh.
type Probe struct {
	bridge CapabilityProber
	github GitHubConfig
	http   *http.Client
	log    *logger.Logger

	mu     sync.Mutex
	cached *Profile
}

// NewProbe creates a probe. bridge may be nil when no credential bridge
// is configured; the profile then carries only operator capabilities.
func NewProbe(bridge CapabilityProber, github GitHubConfig, log *logger.Logger) *Probe {
	if log == nil {
		log = logger.New("capability")
	}
	return &Probe{
		bridge: bridge,
		github: github,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Snapshot returns the cached profile, probing on first use. Probe
// failures degrade to an empty grant set rather than an error: a broken
// bridge means the worker serves only tools that need no credentials.
func (p *Probe) Snapshot(ctx context.Context) Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached
	}

	profile := Profile{OperatorCapabilities: p.operatorCapabilities(ctx)}
	if p.bridge != nil {
		providers, err := p.bridge.Capabilities(ctx, "")
		if err != nil {
			p.log.WithError(err).Warn("bridge capability probe failed; assuming no grants")
		} else {
			profile.CredentialProviders = providers
		}
	}
	p.cached = &profile
	return profile
}

// ForRequest re-probes the bridge scoped to one marketplace request.
// The request-scoped grants replace the snapshot's providers so a
// metered grant exhausted since the last poll is noticed before claim.
func (p *Probe) ForRequest(ctx context.Context, requestID string) Profile {
	profile := p.Snapshot(ctx)
	if p.bridge == nil {
		return profile
	}
	providers, err := p.bridge.Capabilities(ctx, requestID)
	if err != nil {
		p.log.WithError(err).
			WithField("request_id", requestID).
			Warn("request-scoped capability probe failed; assuming no grants")
		providers = nil
	}
	profile.CredentialProviders = providers
	return profile
}

// Invalidate drops the cached snapshot. Called when the active service
// rotates, since grants are keyed by the calling wallet.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// operatorCapabilities probes the locally configured integrations.
func (p *Probe) operatorCapabilities(ctx context.Context) []string {
	var caps []string
	if p.githubTokenWorks(ctx) {
		caps = append(caps, "github")
	}
	return caps
}

// githubTokenWorks verifies the operator's GitHub token with a GET
// /user. Any non-2xx, including rate limiting, counts as absent.
func (p *Probe) githubTokenWorks(ctx context.Context) bool {
	if p.github.Token == "" {
		return false
	}
	api := p.github.APIURL
	if api == "" {
		api = "https://api.github.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(api, "/")+"/user", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.github.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.http.Do(req)
	if err != nil {
		p.log.WithError(err).Debug("github token probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
