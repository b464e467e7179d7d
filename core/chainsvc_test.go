package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gcash/bchd/wire"
)

func TestHTTPChainServiceUTXOsFor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/address/bitcoincash:abc/utxo" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"txid": "aa", "vout": 0, "satoshis": 1000, "scriptPubKey": "51"},
		})
	}))
	defer srv.Close()

	svc := NewHTTPChainService(srv.URL)
	utxos, err := svc.UTXOsFor(context.Background(), "bitcoincash:abc")
	if err != nil {
		t.Fatalf("utxos for: %v", err)
	}
	if len(utxos) != 1 || utxos[0].TxID != "aa" || utxos[0].Amount != 1000 {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}
}

func TestHTTPChainServiceBroadcast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx/send" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["rawtx"] == "" {
			t.Fatalf("expected non-empty rawtx")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"txid": "deadbeef"})
	}))
	defer srv.Close()

	svc := NewHTTPChainService(srv.URL)
	tx := wire.NewMsgTx(1)
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	txid, err := svc.Broadcast(context.Background(), tx)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if txid != "deadbeef" {
		t.Fatalf("txid = %q, want deadbeef", txid)
	}
}

func TestHTTPChainServiceConfirmationProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int64{"blockHeight": 42})
	}))
	defer srv.Close()

	svc := NewHTTPChainService(srv.URL)
	height, err := svc.ConfirmationProof(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("confirmation proof: %v", err)
	}
	if height != 42 {
		t.Fatalf("height = %d, want 42", height)
	}
}

func TestHTTPChainServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewHTTPChainService(srv.URL)
	if _, err := svc.UTXOsFor(context.Background(), "x"); err == nil {
		t.Fatalf("expected error on non-2xx response")
	}
}
