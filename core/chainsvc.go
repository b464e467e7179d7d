package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gcash/bchd/wire"
)

// ChainService is the small collaborator surface the channel manager needs
// from the underlying chain: funding the multisig address, broadcasting the
// transactions that open, update, and close a channel, and fetching a
// confirmation proof for a funding transaction. Kept as an interface, in the
// same spirit as a wallet-backend abstraction, so the channel manager never
// imports a concrete chain client directly and tests can swap in a fake.
type ChainService interface {
	// UTXOsFor returns spendable outputs controlled by address.
	UTXOsFor(ctx context.Context, address string) ([]UTXO, error)
	// Broadcast submits tx to the network and returns its txid.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	// ConfirmationProof reports the confirming block height for txid, or
	// zero if it is still unconfirmed.
	ConfirmationProof(ctx context.Context, txid string) (int64, error)
}

// HTTPChainService is the default ChainService, talking to a block-explorer
// style JSON REST endpoint. It is a best-effort client: callers decide how
// to react to a transient failure (retry, surface to the peer, etc).
type HTTPChainService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChainService builds a chain service client against baseURL, e.g.
// "https://rest.example.org/v1".
func NewHTTPChainService(baseURL string) *HTTPChainService {
	return &HTTPChainService{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

type utxoResponse struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Satoshis int64  `json:"satoshis"`
	PkScript string `json:"scriptPubKey"`
}

// UTXOsFor implements ChainService.
func (h *HTTPChainService) UTXOsFor(ctx context.Context, address string) ([]UTXO, error) {
	var resp []utxoResponse
	if err := h.getJSON(ctx, "/address/"+address+"/utxo", &resp); err != nil {
		return nil, err
	}
	out := make([]UTXO, 0, len(resp))
	for _, u := range resp {
		script, err := hex.DecodeString(u.PkScript)
		if err != nil {
			return nil, fmt.Errorf("decode pkscript for %s:%d: %w", u.TxID, u.Vout, err)
		}
		out = append(out, UTXO{TxID: u.TxID, Vout: u.Vout, Amount: u.Satoshis, PkScript: script})
	}
	return out, nil
}

// Broadcast implements ChainService.
func (h *HTTPChainService) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize tx: %w", err)
	}
	body, err := json.Marshal(map[string]string{"rawtx": hex.EncodeToString(buf.Bytes())})
	if err != nil {
		return "", err
	}
	var resp struct {
		TxID string `json:"txid"`
	}
	if err := h.postJSON(ctx, "/tx/send", body, &resp); err != nil {
		return "", err
	}
	return resp.TxID, nil
}

// ConfirmationProof implements ChainService.
func (h *HTTPChainService) ConfirmationProof(ctx context.Context, txid string) (int64, error) {
	var resp struct {
		BlockHeight int64 `json:"blockHeight"`
	}
	if err := h.getJSON(ctx, "/tx/"+txid, &resp); err != nil {
		return 0, err
	}
	return resp.BlockHeight, nil
}

func (h *HTTPChainService) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chain service GET %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *HTTPChainService) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chain service POST %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
