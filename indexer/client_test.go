package indexer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func graphqlQuery(t *testing.T, r *http.Request) string {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(raw)
}

func TestIsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := graphqlQuery(t, r)
		if !strings.Contains(query, `requestId: \"0x11\"`) {
			t.Errorf("request id not lowercased in query: %s", query)
		}
		fmt.Fprintf(w, `{"data":{"deliveries":[{"id":"0x11"}]}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL})
	delivered, err := client.IsDelivered(context.Background(), "0X11")
	if err != nil {
		t.Fatalf("is delivered: %v", err)
	}
	if !delivered {
		t.Error("delivery present, want true")
	}
}

func TestIsDeliveredEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"data":{"deliveries":[]}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL})
	delivered, err := client.IsDelivered(context.Background(), "0x11")
	if err != nil {
		t.Fatalf("is delivered: %v", err)
	}
	if delivered {
		t.Error("no delivery recorded, want false")
	}
}

func TestListUnclaimed(t *testing.T) {
	mech := common.HexToAddress("0x1111111111111111111111111111111111111111")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := graphqlQuery(t, r)
		if !strings.Contains(query, strings.ToLower(mech.Hex())) {
			t.Errorf("mech filter missing from query: %s", query)
		}
		fmt.Fprintf(w, `{"data":{"requests":[
			{"id":"0x11","mech":"%s","responseTimeout":1700000000,
			 "enabledTools":["complete_text","post_telegram"],
			 "blueprint":"summarize the doc","jobDefinitionId":"job-1"},
			{"id":"0x12","mech":"%s","responseTimeout":1700000500,
			 "enabledTools":[],"blueprint":"","jobDefinitionId":""}
		]}}`, mech.Hex(), mech.Hex())
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL})
	records, err := client.ListUnclaimed(context.Background(), []common.Address{mech})
	if err != nil {
		t.Fatalf("list unclaimed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	first := records[0]
	if first.RequestID != "0x11" || first.Mech != mech || first.ResponseTimeout != 1700000000 {
		t.Errorf("record = %+v", first)
	}
	if len(first.EnabledTools) != 2 || first.EnabledTools[1] != "post_telegram" {
		t.Errorf("tools = %v", first.EnabledTools)
	}
	if first.Blueprint != "summarize the doc" || first.JobDefinitionID != "job-1" {
		t.Errorf("metadata = %+v", first)
	}
}

func TestListUnclaimedNoMechs(t *testing.T) {
	client := NewClient(Config{URL: "http://127.0.0.1:0"})
	records, err := client.ListUnclaimed(context.Background(), nil)
	if err != nil || records != nil {
		t.Fatalf("records = %v, err = %v, want none without a wire call", records, err)
	}
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"data":{"deliveries":[]}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL})
	if _, err := client.IsDelivered(context.Background(), "0x11"); err != nil {
		t.Fatalf("is delivered after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestQueryGivesUpAfterAttempts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		fmt.Fprintf(w, `{"errors":[{"message":"store unavailable"}]}`)
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL})
	_, err := client.IsDelivered(context.Background(), "0x11")
	if err == nil || !strings.Contains(err.Error(), "store unavailable") {
		t.Fatalf("err = %v, want wrapped indexer error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want all attempts used", calls)
	}
}

func TestQueryHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := NewClient(Config{URL: srv.URL})
	if _, err := client.IsDelivered(ctx, "0x11"); err == nil {
		t.Fatal("cancelled query must error")
	}
}
