// Package mqtt ingests sensor readings published by phones over MQTT.
//
// Devices publish batches to roadwatch/sessions/{session_id}/readings:
//
//	{"session_id": "...", "user_id": "...", "readings": [{"timestamp": ..., "accelerometer": {...}, "gps": {...}}]}
//
// A session_id in the payload wins over the one in the topic. Unknown
// sessions are opened on their first message. Malformed payloads are logged
// and dropped.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/internal/service"
)

// DefaultTopic matches every session's readings topic.
const DefaultTopic = "roadwatch/sessions/+/readings"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadingsMessage is the payload of one readings publish.
type ReadingsMessage struct {
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id"`
	Readings  []domain.SensorReading `json:"readings"`
}

// Ingestor subscribes to the readings topic and feeds ride sessions.
type Ingestor struct {
	broker   string
	topic    string
	sessions *service.SessionService
	log      *slog.Logger
	timeout  time.Duration

	client mqtt.Client
}

// NewIngestor creates an ingestor for broker (e.g. tcp://localhost:1883).
func NewIngestor(broker, topic string, sessions *service.SessionService, log *slog.Logger) *Ingestor {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		broker:   broker,
		topic:    topic,
		sessions: sessions,
		log:      log.With("component", "mqtt"),
		timeout:  10 * time.Second,
	}
}

// Connect establishes the broker connection. Subscription happens in the
// connect handler so it is renewed after every reconnect.
func (i *Ingestor) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(i.broker)
	opts.SetClientID(fmt.Sprintf("roadwatch-%d", time.Now().UnixNano()))

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	// readings of one session must be processed in publish order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(i.onConnect)
	opts.SetConnectionLostHandler(i.onConnectionLost)

	i.client = mqtt.NewClient(opts)

	i.log.Info("connecting to MQTT broker", "broker", i.broker)
	token := i.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: failed to connect to %s: %w", i.broker, token.Error())
	}
	return nil
}

func (i *Ingestor) onConnect(client mqtt.Client) {
	token := client.Subscribe(i.topic, 1, i.messageHandler)
	if token.Wait() && token.Error() != nil {
		i.log.Error("failed to subscribe", "topic", i.topic, "error", token.Error())
		return
	}
	i.log.Info("subscribed to readings", "topic", i.topic)
}

func (i *Ingestor) onConnectionLost(_ mqtt.Client, err error) {
	i.log.Warn("connection lost, reconnecting", "error", err)
}

func (i *Ingestor) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	res, err := i.handle(ctx, msg.Topic(), msg.Payload())
	if err != nil {
		i.log.Warn("dropping readings message", "topic", msg.Topic(), "error", err)
		return
	}
	if res.Detections > 0 {
		i.log.Info("readings ingested", "topic", msg.Topic(),
			"readings", humanize.Comma(int64(res.Readings)), "detections", res.Detections)
	}
}

// handle decodes one payload and feeds it to its session.
func (i *Ingestor) handle(ctx context.Context, topic string, payload []byte) (service.IngestResult, error) {
	var m ReadingsMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return service.IngestResult{}, fmt.Errorf("mqtt: malformed payload: %w", err)
	}

	sessionID := m.SessionID
	if sessionID == "" {
		sessionID = sessionFromTopic(topic)
	}
	if sessionID == "" || m.UserID == "" {
		return service.IngestResult{}, errors.New("mqtt: session id and user id are required")
	}

	if _, err := i.sessions.Ensure(sessionID, m.UserID); err != nil {
		return service.IngestResult{}, err
	}
	return i.sessions.Ingest(ctx, sessionID, m.Readings)
}

// sessionFromTopic extracts {id} from roadwatch/sessions/{id}/readings.
func sessionFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for j := 0; j+2 < len(parts); j++ {
		if parts[j] == "sessions" && parts[j+2] == "readings" {
			return parts[j+1]
		}
	}
	return ""
}

// Close disconnects from the broker.
func (i *Ingestor) Close() {
	if i.client != nil && i.client.IsConnected() {
		i.client.Disconnect(250)
	}
	i.log.Info("disconnected from MQTT broker")
}
