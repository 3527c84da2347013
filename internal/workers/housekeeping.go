package workers

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medscribe-io/medscribe/internal/services"
	"github.com/medscribe-io/medscribe/internal/transport"
)

// Housekeeper owns the periodic background duties of the session engine:
// reaping idle sessions and broadcasting liveness heartbeats.
type Housekeeper struct {
	Service services.ConsultationService
	Hub     *transport.Hub

	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	Logger *logrus.Logger
}

func (h *Housekeeper) Start(ctx context.Context) error {
	if h.Service == nil || h.Hub == nil {
		return errors.New("Housekeeper missing dependency: Service/Hub must be set")
	}
	if h.SweepInterval <= 0 {
		h.SweepInterval = 60 * time.Second
	}
	if h.HeartbeatInterval <= 0 {
		h.HeartbeatInterval = 30 * time.Second
	}
	if h.Logger == nil {
		h.Logger = logrus.New()
	}

	go h.runSweeper(ctx)
	go h.runHeartbeat(ctx)
	return nil
}

func (h *Housekeeper) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Service.SweepIdle(ctx); n > 0 {
				h.Logger.WithField("reaped", n).Info("idle sessions finalized")
			}
		}
	}
}

func (h *Housekeeper) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Hub.Broadcast(transport.NewHeartbeat(h.Service.ActiveSessions()))
		}
	}
}
