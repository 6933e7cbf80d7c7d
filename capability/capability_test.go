package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/itskum47/MechForge/signer"
)

const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func TestRequiredCredentialsDeduplicated(t *testing.T) {
	got := RequiredCredentials([]string{"embed_text", "complete_text", "post_telegram", "unknown_tool"})
	want := []string{"openai", "telegram"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("credentials = %v, want %v", got, want)
	}
}

func TestRequiredOperatorCapabilities(t *testing.T) {
	got := RequiredOperatorCapabilities([]string{"open_pull_request", "embed_text"})
	if !reflect.DeepEqual(got, []string{"github"}) {
		t.Errorf("capabilities = %v, want [github]", got)
	}
	if caps := RequiredOperatorCapabilities([]string{"embed_text"}); caps != nil {
		t.Errorf("capabilities = %v, want none", caps)
	}
}

func TestProfileCovers(t *testing.T) {
	profile := Profile{
		CredentialProviders:  []string{"openai", "github"},
		OperatorCapabilities: []string{"github"},
	}
	cases := []struct {
		tools []string
		want  bool
	}{
		{[]string{"embed_text"}, true},
		{[]string{"open_pull_request"}, true},
		{[]string{"post_telegram"}, false},
		{[]string{"embed_text", "post_telegram"}, false},
		{nil, true},
	}
	for _, c := range cases {
		if got := profile.Covers(c.tools); got != c.want {
			t.Errorf("Covers(%v) = %v, want %v", c.tools, got, c.want)
		}
	}
}

type bridgeFunc func(ctx context.Context, requestID string) ([]string, error)

func (f bridgeFunc) Capabilities(ctx context.Context, requestID string) ([]string, error) {
	return f(ctx, requestID)
}

func githubStub(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("unexpected github path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("github probe must send the token")
		}
		w.WriteHeader(status)
	}))
}

func TestSnapshotCachesUntilInvalidated(t *testing.T) {
	github := githubStub(t, http.StatusOK)
	defer github.Close()

	var bridgeCalls int
	bridge := bridgeFunc(func(_ context.Context, requestID string) ([]string, error) {
		bridgeCalls++
		if requestID != "" {
			t.Errorf("snapshot probe sent request id %q", requestID)
		}
		return []string{"openai"}, nil
	})
	probe := NewProbe(bridge, GitHubConfig{APIURL: github.URL, Token: "tok"}, nil)

	profile := probe.Snapshot(context.Background())
	if !profile.HasProvider("openai") || !profile.HasOperator("github") {
		t.Fatalf("profile = %+v", profile)
	}

	probe.Snapshot(context.Background())
	if bridgeCalls != 1 {
		t.Fatalf("bridge probed %d times, want 1 (cached)", bridgeCalls)
	}

	probe.Invalidate()
	probe.Snapshot(context.Background())
	if bridgeCalls != 2 {
		t.Fatalf("bridge probed %d times after invalidate, want 2", bridgeCalls)
	}
}

func TestSnapshotDegradesOnBridgeFailure(t *testing.T) {
	bridge := bridgeFunc(func(context.Context, string) ([]string, error) {
		return nil, errors.New("bridge down")
	})
	probe := NewProbe(bridge, GitHubConfig{}, nil)

	profile := probe.Snapshot(context.Background())
	if len(profile.CredentialProviders) != 0 {
		t.Errorf("providers = %v, want empty on failure", profile.CredentialProviders)
	}
}

func TestOperatorProbeRequiresSuccess(t *testing.T) {
	github := githubStub(t, http.StatusUnauthorized)
	defer github.Close()

	probe := NewProbe(nil, GitHubConfig{APIURL: github.URL, Token: "bad"}, nil)
	profile := probe.Snapshot(context.Background())
	if profile.HasOperator("github") {
		t.Error("rejected token must not grant the github capability")
	}
}

func TestForRequestScopesProviders(t *testing.T) {
	bridge := bridgeFunc(func(_ context.Context, requestID string) ([]string, error) {
		if requestID == "0x11" {
			return []string{"openai", "github"}, nil
		}
		return []string{"openai"}, nil
	})
	probe := NewProbe(bridge, GitHubConfig{}, nil)

	profile := probe.ForRequest(context.Background(), "0x11")
	if !profile.HasProvider("github") {
		t.Errorf("scoped profile = %+v, want github grant", profile)
	}
}

func TestBridgeSignsRequests(t *testing.T) {
	s, err := signer.FromHex(testKey)
	if err != nil {
		t.Fatalf("test signer: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The bridge mounts the capability probe under /credentials.
		if r.URL.Path != "/credentials/capabilities" {
			http.NotFound(w, r)
			return
		}
		for _, header := range []string{"X-Web3-Address", "X-Web3-Timestamp", "X-Web3-Signature"} {
			if r.Header.Get(header) == "" {
				t.Errorf("missing %s header", header)
			}
		}
		if r.Header.Get("X-Web3-Address") != s.Address().Hex() {
			t.Errorf("address header = %s", r.Header.Get("X-Web3-Address"))
		}
		fmt.Fprintf(w, `{"providers":["openai"]}`)
	}))
	defer srv.Close()

	bridge := NewBridge(BridgeConfig{URL: srv.URL}, s, nil)
	providers, err := bridge.Capabilities(context.Background(), "")
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if !reflect.DeepEqual(providers, []string{"openai"}) {
		t.Errorf("providers = %v", providers)
	}
}

func TestBridgeRetriesWithPaymentOn402(t *testing.T) {
	s, err := signer.FromHex(testKey)
	if err != nil {
		t.Fatalf("test signer: %v", err)
	}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/credentials/capabilities" {
			http.NotFound(w, r)
			return
		}
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprintf(w, `{"accepts":[{"scheme":"exact","network":"gnosis","asset":"0x4444444444444444444444444444444444444444","payTo":"0x5555555555555555555555555555555555555555","maxAmountRequired":"10000","extra":{"name":"USDC","version":"2"}}]}`)
			return
		}
		payment := r.Header.Get("X-Payment")
		if payment == "" {
			t.Fatal("retry must carry the X-Payment header")
		}
		raw, err := base64.StdEncoding.DecodeString(payment)
		if err != nil {
			t.Fatalf("payment header is not base64: %v", err)
		}
		if gjson.GetBytes(raw, "scheme").String() != "exact" {
			t.Errorf("payment envelope = %s", raw)
		}
		auth := gjson.GetBytes(raw, "payload.authorization")
		if auth.Get("value").String() != "10000" {
			t.Errorf("authorization = %s", auth.Raw)
		}
		if gjson.GetBytes(raw, "payload.signature").String() == "" {
			t.Error("payment needs a signature")
		}
		fmt.Fprintf(w, `{"providers":["openai"]}`)
	}))
	defer srv.Close()

	bridge := NewBridge(BridgeConfig{URL: srv.URL}, s, nil)
	providers, err := bridge.Capabilities(context.Background(), "")
	if err != nil {
		t.Fatalf("capabilities with payment: %v", err)
	}
	if len(providers) != 1 {
		t.Errorf("providers = %v", providers)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestTokenDecodesResponse(t *testing.T) {
	s, err := signer.FromHex(testKey)
	if err != nil {
		t.Fatalf("test signer: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/credentials/github" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "ghs_abc",
			"expires_in":   3600,
			"config":       map[string]string{"api_base": "https://api.github.com"},
		})
	}))
	defer srv.Close()

	bridge := NewBridge(BridgeConfig{URL: srv.URL}, s, nil)
	token, err := bridge.Token(context.Background(), "github", "0x11")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token.AccessToken != "ghs_abc" || token.Provider != "github" || token.ExpiresIn != 3600 {
		t.Errorf("token = %+v", token)
	}
	if !gjson.GetBytes(token.Config, "api_base").Exists() {
		t.Errorf("config = %s, provider config dropped", token.Config)
	}
}
