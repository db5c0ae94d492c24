package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PolycarpusTack/papin/internal/protocol"
)

// heartbeat tracks one heartbeat task. Nonces increase; an ack for nonce n
// covers every earlier heartbeat.
type heartbeat struct {
	stop     chan struct{}
	stopOnce sync.Once
	sent     atomic.Uint64
	acked    atomic.Uint64
}

func (h *heartbeat) ack(nonce uint64) {
	for {
		cur := h.acked.Load()
		if nonce <= cur || h.acked.CompareAndSwap(cur, nonce) {
			return
		}
	}
}

func (h *heartbeat) halt() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *heartbeat) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (s *Session) startHeartbeat(conn uint64) {
	hb := &heartbeat{stop: make(chan struct{})}
	if old := s.heartbeat.Swap(hb); old != nil {
		old.halt()
	}
	go s.heartbeatLoop(hb, conn)
}

func (s *Session) stopHeartbeat() {
	if old := s.heartbeat.Swap(nil); old != nil {
		old.halt()
	}
}

func (s *Session) heartbeatLoop(hb *heartbeat, conn uint64) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
		}

		nonce := hb.sent.Add(1)
		data, err := s.codec.Encode(protocol.Heartbeat(nonce))
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.HeartbeatTimeout)
		if err := s.channel.Send(ctx, data); err != nil {
			s.logger.Debug().Err(err).Uint64("nonce", nonce).Msg("heartbeat not sent")
		}
		cancel()

		time.AfterFunc(s.config.HeartbeatTimeout, func() {
			if hb.stopped() || hb.acked.Load() >= nonce {
				return
			}
			s.logger.Debug().Uint64("nonce", nonce).Msg("heartbeat missed")
			s.post(Input{Kind: InputHeartbeatMissed, Conn: conn})
		})
	}
}
