package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/node/core"
)

var (
	errMissingPeerID = errors.New("missing peerId query parameter")
	errPeerUnknown   = errors.New("peer not found in directory")
)

// adminServer is the loopback-only HTTP control surface for a running node:
// status/inspection reads plus the write operations an operator or a local
// script needs to drive messaging and channel lifecycle actions.
type adminServer struct {
	node     *core.Node
	handler  *core.Handler
	channels *core.ChannelManager
	dir      *core.PeerDirectory
	log      *logrus.Logger

	srv *http.Server
}

func newAdminServer(node *core.Node, handler *core.Handler, channels *core.ChannelManager, dir *core.PeerDirectory, log *logrus.Logger) *adminServer {
	a := &adminServer{node: node, handler: handler, channels: channels, dir: dir, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/status", a.handleStatus)
	r.Get("/peers", a.handlePeers)
	r.Get("/discover", a.handleDiscover)
	r.Get("/channels", a.handleListChannels)
	r.Post("/send", a.handleSend)
	r.Post("/channel/open", a.handleChannelOpen)
	r.Post("/channel/fund", a.handleChannelFund)
	r.Post("/channel/pay", a.handleChannelPay)
	r.Post("/channel/close", a.handleChannelClose)

	a.srv = &http.Server{Handler: r, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	return a
}

func (a *adminServer) ListenAndServe(addr string) error {
	a.srv.Addr = addr
	return a.srv.ListenAndServe()
}

func (a *adminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	addrs := a.node.Addrs()
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peerId": a.node.ID().String(),
		"addrs":  strs,
		"peers":  len(a.node.Peers()),
	})
}

func (a *adminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := a.node.Peers()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("peerId")
	if id == "" {
		writeError(w, http.StatusBadRequest, errMissingPeerID)
		return
	}
	info, ok := a.dir.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, errPeerUnknown)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *adminServer) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := a.channels.ListChannels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, chans)
}

type sendRequest struct {
	To   string          `json:"to"`
	Type core.MessageType `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (a *adminServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := peer.Decode(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	env := core.Envelope{
		ID:        req.To + "-admin",
		Type:      req.Type,
		From:      a.node.ID().String(),
		To:        to.String(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   req.Data,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := a.handler.Send(ctx, to, env); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type channelOpenRequest struct {
	RemotePeerID string `json:"remotePeerId"`
	CapacitySats uint64 `json:"capacitySats"`
	LifetimeMs   int64  `json:"lifetimeMs"`
}

func (a *adminServer) handleChannelOpen(w http.ResponseWriter, r *http.Request) {
	var req channelOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remote, err := peer.Decode(req.RemotePeerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lifetime := time.Duration(req.LifetimeMs) * time.Millisecond
	ch, err := a.channels.ProposeChannel(r.Context(), a.node.ID().String(), remote, req.CapacitySats, lifetime)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type channelFundRequest struct {
	ChannelID   string `json:"channelId"`
	FundingTxID string `json:"fundingTxId"`
	OutputIndex uint32 `json:"outputIndex"`
}

func (a *adminServer) handleChannelFund(w http.ResponseWriter, r *http.Request) {
	var req channelFundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := a.channels.SetFunding(r.Context(), req.ChannelID, req.FundingTxID, req.OutputIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type channelPayRequest struct {
	ChannelID          string `json:"channelId"`
	AmountSats         uint64 `json:"amountSats"`
	LocalPayoutScript  []byte `json:"localPayoutScript"`
	RemotePayoutScript []byte `json:"remotePayoutScript"`
}

func (a *adminServer) handleChannelPay(w http.ResponseWriter, r *http.Request) {
	var req channelPayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := a.channels.GetChannel(req.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remote, err := peer.Decode(ch.RemotePeerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	update, err := a.channels.ProposePayment(r.Context(), a.node.ID().String(), remote, req.ChannelID, req.AmountSats, req.LocalPayoutScript, req.RemotePayoutScript)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

type channelCloseRequest struct {
	ChannelID          string `json:"channelId"`
	LocalPayoutScript  []byte `json:"localPayoutScript"`
	RemotePayoutScript []byte `json:"remotePayoutScript"`
}

func (a *adminServer) handleChannelClose(w http.ResponseWriter, r *http.Request) {
	var req channelCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := a.channels.GetChannel(req.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remote, err := peer.Decode(ch.RemotePeerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.channels.ProposeCooperativeClose(r.Context(), a.node.ID().String(), remote, req.ChannelID, req.LocalPayoutScript, req.RemotePayoutScript); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "close-proposed"})
}
