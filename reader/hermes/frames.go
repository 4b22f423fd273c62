package hermes

import (
	"encoding/json"

	"hermesgw/internal/metrics"
	"hermesgw/logger"
	"hermesgw/models"
)

const maxLoggedPayload = 512

// handleFrame decodes one upstream text frame. Subscription acks and other
// control frames are logged; price updates go to the publisher unless no
// client wants the feed any more, which happens between a client leaving
// and the resubscribe. Nothing here ends the stream.
func (c *Connector) handleFrame(data []byte) {
	log := c.log.WithComponent("hermes_connector")

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.decodeFailed(data, err)
		return
	}

	switch env.Type {
	case models.MessageTypePriceUpdate:
		update, err := models.DecodePriceUpdate(data)
		if err != nil {
			c.decodeFailed(data, err)
			return
		}
		metrics.UpdateDecoded()
		if !c.feeds.Contains(update.PriceFeed.ID) {
			metrics.UpdateUnrequested()
			return
		}
		if c.out.Publish(update) == 0 {
			metrics.UpdateDropped()
		}
	case models.MessageTypeResponse:
		if env.Status == "error" {
			log.WithField("error", env.Error).Warn("hermes rejected subscription")
			return
		}
		log.WithField("status", env.Status).Debug("hermes subscription acknowledged")
	default:
		log.WithField("type", env.Type).Debug("ignoring hermes frame")
	}
}

func (c *Connector) decodeFailed(data []byte, err error) {
	metrics.DecodeFailed()

	entry := c.log.WithComponent("hermes_connector").WithError(err)
	if c.decodeLog.Allow() {
		payload := data
		if len(payload) > maxLoggedPayload {
			payload = payload[:maxLoggedPayload]
		}
		entry = entry.WithFields(logger.Fields{
			"payload": string(payload),
			"bytes":   len(data),
		})
	}
	entry.Warn("failed to decode hermes frame")
}
