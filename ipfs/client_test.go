package ipfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDigestMatchesSha256(t *testing.T) {
	content := []byte(`{"result":"42"}`)
	sum := sha256.Sum256(content)
	want := "0x" + hex.EncodeToString(sum[:])
	if got := Digest(content); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestCIDFromDigest(t *testing.T) {
	digest := Digest([]byte("content"))
	cid, err := CIDFromDigest(digest)
	if err != nil {
		t.Fatalf("cid: %v", err)
	}
	if !strings.HasPrefix(cid, "b") {
		t.Errorf("cid %s should carry the base32 multibase prefix", cid)
	}
	// version + raw codec + sha2-256 multihash = 36 bytes, base32 without
	// padding encodes to 58 characters plus the prefix.
	if len(cid) != 59 {
		t.Errorf("cid length = %d, want 59", len(cid))
	}

	again, err := CIDFromDigest(digest)
	if err != nil {
		t.Fatalf("cid again: %v", err)
	}
	if cid != again {
		t.Error("cid derivation must be deterministic")
	}
}

func TestCIDFromDigestRejectsBadInput(t *testing.T) {
	if _, err := CIDFromDigest("0x1234"); err == nil {
		t.Error("short digest should error")
	}
	if _, err := CIDFromDigest("0xzz"); err == nil {
		t.Error("non-hex digest should error")
	}
}

func TestPutHitsBothTargets(t *testing.T) {
	var nodeCalls, gatewayCalls int
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v0/add") {
			t.Errorf("unexpected node path %s", r.URL.Path)
		}
		nodeCalls++
	}))
	defer node.Close()
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gatewayCalls++
	}))
	defer gateway.Close()

	client := NewClient(Config{NodeAPIURL: node.URL, GatewayAPIURL: gateway.URL})
	result, err := client.Put(context.Background(), []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if nodeCalls != 1 || gatewayCalls != 1 {
		t.Errorf("calls = %d node, %d gateway, want 1 each", nodeCalls, gatewayCalls)
	}
	if result.DigestHex == "" || result.CID == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestPutToleratesOneTargetDown(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer node.Close()
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer gateway.Close()

	client := NewClient(Config{NodeAPIURL: node.URL, GatewayAPIURL: gateway.URL})
	if _, err := client.Put(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("put should succeed via the gateway: %v", err)
	}
}

func TestPutFailsWhenAllTargetsDown(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer node.Close()

	client := NewClient(Config{NodeAPIURL: node.URL})
	if _, err := client.Put(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("put with every target down should error")
	}
}

func TestGetByDigest(t *testing.T) {
	content := []byte(`{"result":"x"}`)
	digest := Digest(content)
	wantCID, _ := CIDFromDigest(digest)

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("arg") != wantCID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(content)
	}))
	defer node.Close()

	client := NewClient(Config{NodeAPIURL: node.URL})
	got, err := client.Get(context.Background(), digest)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %s", got)
	}

	if _, err := client.Get(context.Background(), Digest([]byte("other"))); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
