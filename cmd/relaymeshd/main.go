package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relaymesh/node/core"
	"github.com/relaymesh/node/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "relaymeshd"}
	root.AddCommand(startCmd())
	root.AddCommand(walletCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *core.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func startCmd() *cobra.Command {
	var configName string
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "run a relaymesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configName)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store, err := core.OpenStore(cfg.DataDir + "/relaymesh.db")
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			identity, err := core.LoadOrCreateIdentity(store)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			seed, err := store.LoadWalletSeed()
			if err != nil {
				return fmt.Errorf("load wallet seed: %w", err)
			}
			var wallet *core.PayWallet
			if seed == nil {
				var mnemonic string
				wallet, mnemonic, err = core.NewRandomPayWallet(256)
				if err != nil {
					return fmt.Errorf("create wallet: %w", err)
				}
				log.Warn("generated new payment wallet, write down this mnemonic now:")
				fmt.Fprintln(cmd.OutOrStdout(), mnemonic)
				if err := store.SaveWalletSeed([]byte(mnemonic)); err != nil {
					return fmt.Errorf("persist wallet seed: %w", err)
				}
			} else {
				wallet, err = core.PayWalletFromMnemonic(string(seed), "")
				if err != nil {
					return fmt.Errorf("restore wallet: %w", err)
				}
			}
			defer wallet.Wipe()

			node, err := core.NewNode(ctx, *cfg, identity, log)
			if err != nil {
				return fmt.Errorf("start transport: %w", err)
			}
			defer node.Close()

			notifier := core.NewHTTPNotifier(cfg.AgentNotifyURL, cfg.AgentNotifyToken)
			handler := core.NewHandler(node, notifier, cfg.MaxMessageSizeBytes, log)

			chain := core.NewHTTPChainService(cfg.ChainServiceURL)
			channels := core.NewChannelManager(store, chain, wallet, &chaincfg.MainNetParams, *cfg, log)
			channels.SetSender(handler)
			registerChannelHandlers(handler, channels, node.ID().String(), log)

			if cfg.RelayAddr != "" {
				relayInfo, err := core.ParseRelayAddr(cfg.RelayAddr)
				if err != nil {
					return fmt.Errorf("parse relay address: %w", err)
				}
				relay := core.NewRelayManager(node, relayInfo, log)
				relay.Supervise(ctx, time.Duration(cfg.HealthCheckIntervalMs)*time.Millisecond)
			}

			directory := core.NewPeerDirectory()
			announceInterval := time.Duration(cfg.AnnounceIntervalMs) * time.Millisecond
			go core.RunAnnounceLoop(ctx, node, directory, announceInterval, log)

			admin := newAdminServer(node, handler, channels, directory, log)
			go func() {
				if err := admin.ListenAndServe(adminAddr); err != nil {
					log.WithError(err).Error("admin server stopped")
				}
			}()

			log.WithField("peer", node.ID().String()).Info("relaymesh node running")
			<-ctx.Done()
			log.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return admin.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&configName, "config", "", "config file name (without extension)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:8900", "loopback admin HTTP listen address")
	return cmd
}

// registerChannelHandlers wires inbound channel_* envelopes to the channel
// manager: each callback decodes its payload and dispatches to the matching
// Handle* method, replying through the manager's Sender as needed.
func registerChannelHandlers(handler *core.Handler, channels *core.ChannelManager, localPeerID string, log *logrus.Logger) {
	ctx := context.Background()

	handler.OnMessage(core.MsgChannelOpen, func(from peer.ID, env core.Envelope) {
		var payload core.ChannelOpenPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.WithError(err).Warn("channel_open: decode payload")
			return
		}
		if err := channels.HandleChannelOpen(ctx, localPeerID, from, payload); err != nil {
			log.WithError(err).WithField("channel", payload.ChannelID).Warn("channel_open: handle")
		}
	})

	handler.OnMessage(core.MsgChannelAccept, func(from peer.ID, env core.Envelope) {
		var payload core.ChannelAcceptPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.WithError(err).Warn("channel_accept: decode payload")
			return
		}
		if err := channels.HandleChannelAccept(ctx, localPeerID, from, payload); err != nil {
			log.WithError(err).WithField("channel", payload.ChannelID).Warn("channel_accept: handle")
		}
	})

	handler.OnMessage(core.MsgChannelReject, func(from peer.ID, env core.Envelope) {
		var payload core.ChannelRejectPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.WithError(err).Warn("channel_reject: decode payload")
			return
		}
		if err := channels.HandleChannelReject(ctx, payload); err != nil {
			log.WithError(err).WithField("channel", payload.ChannelID).Warn("channel_reject: handle")
		}
	})

	handler.OnMessage(core.MsgChannelUpdate, func(from peer.ID, env core.Envelope) {
		var payload core.ChannelUpdatePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.WithError(err).Warn("channel_update: decode payload")
			return
		}
		if err := channels.HandleChannelUpdate(ctx, localPeerID, from, payload); err != nil {
			log.WithError(err).WithField("channel", payload.ChannelID).Warn("channel_update: handle")
		}
	})

	handler.OnMessage(core.MsgChannelClose, func(from peer.ID, env core.Envelope) {
		var payload core.ChannelClosePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.WithError(err).Warn("channel_close: decode payload")
			return
		}
		if err := channels.HandleChannelClose(ctx, payload); err != nil {
			log.WithError(err).WithField("channel", payload.ChannelID).Warn("channel_close: handle")
		}
	})
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "payment-wallet utilities"}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "generate a fresh mnemonic without starting a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mnemonic, err := core.NewRandomPayWallet(256)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mnemonic)
			return nil
		},
	})
	return cmd
}
