package conn

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// writer owns all websocket writes after the handshake. Priority frames
// (warnings, shutdown notices) preempt the normal queue.
type writer struct {
	ws       wsConn
	ctx      context.Context
	cfg      Config
	priority <-chan []byte
	normal   <-chan []byte
}

func (w *writer) run() error {
	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushPending()
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.cfg.WriteTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Drain priority frames before touching the normal queue.
		select {
		case data := <-w.priority:
			if err := w.write(data); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case data := <-w.priority:
			if err := w.write(data); err != nil {
				return err
			}
		case data := <-w.normal:
			if err := w.write(data); err != nil {
				return err
			}
		}
	}
}

// flushPending drains frames already queued when shutdown begins, so a
// reply produced just before the peer hung up still goes out. Warnings
// go first; the whole flush is bounded.
func (w *writer) flushPending() {
	deadline := time.Now().Add(250 * time.Millisecond)
	for i := 0; i < 32 && time.Now().Before(deadline); i++ {
		select {
		case data := <-w.priority:
			_ = w.write(data)
			continue
		default:
		}
		select {
		case data := <-w.normal:
			_ = w.write(data)
		default:
			return
		}
	}
}

func (w *writer) write(data []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}
