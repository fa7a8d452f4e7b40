package dagnode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFullTransactions_ParsesWindow(t *testing.T) {
	var gotPath, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[
			{"transaction_id":"tx2","payload":"0102","block_time":1700000002000,"inputs":[{"previous_outpoint_address":"dag:alice"}]},
			{"transaction_id":"tx1","payload":"zzzz","block_time":1700000001000,"inputs":[]},
			{"transaction_id":"","payload":"01","block_time":1,"inputs":[]},
			{"transaction_id":"tx0","payload":"ff","block_time":1700000000000,"inputs":[{"previous_outpoint_address":"dag:bob"}]}
		]`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL + "/api/v1")
	txs, err := c.FullTransactions(context.Background(), "dag:proto", 200)
	if err != nil {
		t.Fatalf("FullTransactions: %v", err)
	}
	if gotPath != "/api/v1/addresses/dag:proto/full-transactions" {
		t.Fatalf("path mismatch: %s", gotPath)
	}
	if gotLimit != "200" {
		t.Fatalf("limit mismatch: %s", gotLimit)
	}
	// tx1 (bad payload hex) and the id-less entry are dropped; order kept.
	if len(txs) != 2 {
		t.Fatalf("tx count: %d", len(txs))
	}
	if txs[0].ID != "tx2" || txs[1].ID != "tx0" {
		t.Fatalf("order mismatch: %s %s", txs[0].ID, txs[1].ID)
	}
	if txs[0].AuthorAddress != "dag:alice" || string(txs[0].Payload) != "\x01\x02" {
		t.Fatalf("entry mismatch: %#v", txs[0])
	}
	if txs[1].AuthorAddress != "dag:bob" {
		t.Fatalf("author mismatch: %#v", txs[1])
	}
	want := time.UnixMilli(1700000002000).UTC()
	if !txs[0].ObservedAt.Equal(want) {
		t.Fatalf("observedAt mismatch: %v", txs[0].ObservedAt)
	}
}

func TestFullTransactions_HTTPErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	_, err := c.FullTransactions(context.Background(), "dag:proto", 200)
	if err == nil {
		t.Fatalf("expected error")
	}
}
