package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// announcement is the periodic self-advertisement published on
// TopicAnnounce: every other node gossiping the same topic learns this
// node's current dialable addresses without a direct connection.
type announcement struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs"`
	Time   int64    `json:"time"`
}

// RunAnnounceLoop publishes this node's address set on TopicAnnounce every
// interval and records every other node's announcement in dir, until ctx is
// cancelled.
func RunAnnounceLoop(ctx context.Context, n *Node, dir *PeerDirectory, interval time.Duration, log *logrus.Logger) {
	msgs, err := n.Subscribe(ctx, TopicAnnounce, log)
	if err != nil {
		log.WithError(err).Warn("announce: failed to subscribe")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.From == n.ID().String() {
					continue
				}
				var a announcement
				if err := json.Unmarshal(msg.Data, &a); err != nil {
					continue
				}
				dir.Remember(a.PeerID, a.Addrs)
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	publish := func() {
		addrs := n.Addrs()
		strs := make([]string, len(addrs))
		for i, a := range addrs {
			strs[i] = a.String()
		}
		a := announcement{PeerID: n.ID().String(), Addrs: strs, Time: time.Now().UnixMilli()}
		data, err := json.Marshal(a)
		if err != nil {
			return
		}
		if err := n.Broadcast(ctx, TopicAnnounce, data); err != nil {
			log.WithError(err).Debug("announce: publish failed")
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
