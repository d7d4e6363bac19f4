package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TriggerRequest asks for an ingestion cycle outside the schedule. An empty
// payload is a valid request.
type TriggerRequest struct {
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

func (c *Client) TriggerTopic() string { return c.cfg.TopicPrefix + "/ingest/trigger" }

// SubscribeTrigger registers handler for cycle requests and subscribes
// when already connected. The subscription is restored on reconnect.
func (c *Client) SubscribeTrigger(handler func(TriggerRequest)) error {
	c.triggerMu.Lock()
	c.onTrigger = handler
	c.triggerMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribeTrigger()
}

func (c *Client) triggerHandler() func(TriggerRequest) {
	c.triggerMu.RLock()
	defer c.triggerMu.RUnlock()
	return c.onTrigger
}

func (c *Client) subscribeTrigger() error {
	topic := c.TriggerTopic()
	qos := byte(1)

	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleTrigger(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	c.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (c *Client) handleTrigger(topic string, payload []byte) {
	c.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	req, err := parseTrigger(payload)
	if err != nil {
		c.logger.Warn("invalid trigger message",
			"topic", topic,
			"error", err,
			"payload", string(payload),
		)
		return
	}

	handler := c.triggerHandler()
	if handler == nil {
		return
	}
	c.logger.Info("ingestion requested over mqtt", "requested_by", req.RequestedBy)
	handler(req)
}

func parseTrigger(payload []byte) (TriggerRequest, error) {
	var req TriggerRequest
	if strings.TrimSpace(string(payload)) == "" {
		return req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return TriggerRequest{}, fmt.Errorf("decode trigger: %w", err)
	}
	if len(req.RequestedBy) > 100 {
		return TriggerRequest{}, fmt.Errorf("requested_by too long")
	}
	return req, nil
}
