package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// Client publishes ingestion results and listens for on-demand cycle
// requests on a single broker connection.
type Client struct {
	client    mqtt.Client
	cfg       Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	triggerMu sync.RWMutex
	onTrigger func(TriggerRequest)
}

// CycleSummary is published retained on <prefix>/cycles/last.
type CycleSummary struct {
	CycleID         string    `json:"cycle_id"`
	Outcome         string    `json:"outcome"`
	Applied         int       `json:"applied"`
	Skipped         int       `json:"skipped"`
	Malformed       int       `json:"malformed"`
	SnapshotVersion int64     `json:"snapshot_version"`
	FetchErrorKind  string    `json:"fetch_error_kind,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// StationStatus is published retained on <prefix>/stations/<id>/status.
type StationStatus struct {
	StationID   string    `json:"station_id"`
	AQI         *int      `json:"aqi"`
	Status      string    `json:"status"`
	StatusClass string    `json:"status_class_name"`
	PublishTime time.Time `json:"publish_time"`
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not configured")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "aqi"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
		// Subscriptions do not survive a clean-session reconnect.
		if c.triggerHandler() != nil {
			go func() {
				if err := c.subscribeTrigger(); err != nil {
					logger.Error("mqtt resubscribe failed", "topic", c.TriggerTopic(), "error", err)
				}
			}()
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect waits for the initial connection, respecting ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			c.client.Disconnect(0)
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

func (c *Client) CycleTopic() string { return c.cfg.TopicPrefix + "/cycles/last" }

func (c *Client) StationTopic(stationID string) string {
	return fmt.Sprintf("%s/stations/%s/status", c.cfg.TopicPrefix, stationID)
}

func (c *Client) PublishCycle(summary CycleSummary) error {
	return c.publish(c.CycleTopic(), summary)
}

func (c *Client) PublishStationStatus(status StationStatus) error {
	return c.publish(c.StationTopic(status.StationID), status)
}

// publish sends v as retained JSON with QoS 1.
func (c *Client) publish(topic string, v any) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	token := c.client.Publish(topic, 1, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		c.logger.Error("mqtt publish failed", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}

	c.logger.Debug("mqtt published", "topic", topic, "size", len(data))
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect is idempotent. After it, Connect returns "client stopped".
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
