package hermes

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"hermesgw/logger"
	"hermesgw/models"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultKeepAlive      = 20 * time.Second
)

// subscribe sends the single subscription message for ids. Hermes has no
// unsubscribe, so a changed feed set always means a fresh connection.
func subscribe(conn *websocket.Conn, ids []models.FeedID) error {
	return conn.WriteJSON(models.NewSubscription(ids))
}

// waitForReconnect reports true when ctx ended before the delay elapsed.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send hermes ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
