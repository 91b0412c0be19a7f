package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/clipboard-sync/config"
	"github.com/mossy-p/clipboard-sync/internal/clipboard"
	"github.com/mossy-p/clipboard-sync/internal/clipsync"
	"github.com/mossy-p/clipboard-sync/internal/crypto"
	"github.com/mossy-p/clipboard-sync/internal/peer"
	"github.com/mossy-p/clipboard-sync/internal/relay"
	"github.com/mossy-p/clipboard-sync/internal/signaling"
	"github.com/mossy-p/clipboard-sync/internal/transport"
)

func main() {
	cfg := config.LoadClient()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.RoomID == "" || cfg.Secret == "" {
		logger.Error("SYNC_ROOM_ID and SYNC_SECRET are required")
		os.Exit(1)
	}

	cipher := crypto.NewSecretCipher(cfg.Secret)

	signalingClient, err := signaling.NewClient(signaling.Config{
		ServerURL:    cfg.ServerURL,
		RoomID:       cfg.RoomID,
		ClientName:   cfg.ClientName,
		PingInterval: cfg.PingInterval,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("initializing signaling failed", "error", err)
		os.Exit(1)
	}

	relayTransport := relay.NewTransport(signalingClient, cipher, logger)

	arbitrator := transport.NewArbitrator(signalingClient, relayTransport, cipher, transport.Options{
		Preference: transport.Preference(cfg.TransportPreference),
		Peer: peer.Options{
			ICEServers: []webrtc.ICEServer{{URLs: []string{cfg.StunServer}}},
		},
		Logger: logger,
	})

	var clip clipboard.Clipboard
	if cfg.ClipboardFile != "" {
		clip = clipboard.NewFile(cfg.ClipboardFile)
	} else {
		clip = clipboard.NewMemory()
	}

	service := clipsync.NewService(arbitrator, clip, clipsync.Options{
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	signalingClient.Connect()
	service.Start()
	logger.Info("clipboard sync client started", "server", cfg.ServerURL, "room", cfg.RoomID, "name", cfg.ClientName)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	service.Stop()
	arbitrator.Close()
	signalingClient.Close()
}
