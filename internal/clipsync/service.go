// Package clipsync is the application layer: it connects the local
// clipboard to the room, broadcasting local edits and applying remote
// updates exactly once.
package clipsync

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/clipboard-sync/internal/clipboard"
	"github.com/mossy-p/clipboard-sync/internal/dedup"
	"github.com/mossy-p/clipboard-sync/internal/protocol"
	"github.com/mossy-p/clipboard-sync/internal/transport"
)

// Transport is the routing surface the service publishes through,
// satisfied by transport.Arbitrator.
type Transport interface {
	Broadcast(message protocol.Message) error
	Subscribe(fn func(transport.Event)) func()
}

// Service synchronizes one local clipboard with the room.
type Service struct {
	arbitrator  Transport
	clipboard   clipboard.Clipboard
	watcher     *clipboard.Watcher
	window      *dedup.Window
	logger      *slog.Logger
	unsubscribe func()
}

// Options tunes a Service.
type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewService wires a sync service onto an existing arbitrator. Every
// inbound clipboard update, whichever transport carried it, passes through
// one shared dedup window before touching the clipboard.
func NewService(arbitrator Transport, clip clipboard.Clipboard, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	service := &Service{
		arbitrator: arbitrator,
		clipboard:  clip,
		window:     dedup.NewWindow(dedup.DefaultCapacity),
		logger:     logger,
	}
	service.watcher = clipboard.NewWatcher(clip, opts.PollInterval, service.handleLocalChange, logger)
	service.unsubscribe = arbitrator.Subscribe(service.handleTransportEvent)
	return service
}

// Start begins watching the local clipboard.
func (s *Service) Start() {
	s.watcher.Start()
}

// Stop halts watching and detaches from the transport. Idempotent.
func (s *Service) Stop() {
	s.watcher.Stop()
	s.unsubscribe()
}

// handleLocalChange broadcasts one local clipboard edit. The fresh id is
// recorded locally so a relayed echo cannot reapply it.
func (s *Service) handleLocalChange(content string) {
	update := protocol.NewClipboardUpdate(uuid.New().String(), time.Now().UnixMilli(), content)
	s.window.Record(update.ID)

	if err := s.arbitrator.Broadcast(update); err != nil {
		s.logger.Warn("broadcasting clipboard update failed", "error", err)
		return
	}
	s.logger.Debug("clipboard update broadcast", "id", update.ID, "bytes", len(content))
}

func (s *Service) handleTransportEvent(event transport.Event) {
	if event.Kind != transport.EventMessage {
		return
	}
	update, ok := event.Message.(protocol.ClipboardUpdate)
	if !ok {
		return
	}

	if s.window.CheckAndRecord(update.ID) {
		s.logger.Debug("dropping duplicate clipboard update", "id", update.ID)
		return
	}

	// Mark first so the next poll does not re-broadcast the applied value.
	s.watcher.Mark(update.Content)
	if err := s.clipboard.Write(update.Content); err != nil {
		s.logger.Warn("clipboard write failed", "error", err)
		return
	}
	s.logger.Info("clipboard updated", "from", event.SenderID, "id", update.ID)
}
