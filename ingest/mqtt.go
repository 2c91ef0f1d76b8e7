package ingest

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the broker subscription.
type MQTTOptions struct {
	Broker   string // tcp://host:1883
	Topic    string
	QoS      byte
	ClientID string
	Username string
	Password string
}

// MQTTClient subscribes to a bridge topic that republishes controller
// datagrams, either raw or wrapped in the JSON envelope.
//
// Thread Safety:
//   - paho runs the message handler on its own goroutines
//   - datagrams are handed off with non-blocking sends
//   - auto-reconnect is handled by paho
type MQTTClient struct {
	counters
	name   string
	opts   MQTTOptions
	out    chan<- Datagram
	client mqtt.Client
}

// NewMQTTClient creates a client; Connect starts it.
func NewMQTTClient(name string, opts MQTTOptions, out chan<- Datagram) *MQTTClient {
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("swimlog-%d", time.Now().Unix())
	}
	return &MQTTClient{name: name, opts: opts, out: out}
}

// Connect establishes the broker connection. Later disconnects are retried
// by paho in the background.
func (c *MQTTClient) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.opts.Broker)
	opts.SetClientID(c.opts.ClientID)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	log.Printf("MQTT %s: connecting to %s...", c.name, c.opts.Broker)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest: mqtt %s: connect: %w", c.name, token.Error())
	}
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	log.Printf("MQTT %s: connected, subscribing to %s", c.name, c.opts.Topic)
	token := client.Subscribe(c.opts.Topic, c.opts.QoS, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT %s: subscribe failed: %v", c.name, token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	log.Printf("MQTT %s: connection lost: %v (will reconnect)", c.name, err)
}

func (c *MQTTClient) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	c.handlePayload(msg.Topic(), msg.Payload())
}

func (c *MQTTClient) handlePayload(topic string, payload []byte) {
	now := time.Now().UTC()
	raw, err := DecodePayload(payload)
	if err != nil {
		if c.parseError(now) {
			log.Printf("MQTT %s: %s: %v (parse errors=%d)", c.name, topic, err, c.parseErrors.Load())
		}
		return
	}
	c.emit(c.out, Datagram{
		Source:   SourceMQTT,
		Name:     c.name,
		Remote:   topic,
		Payload:  raw,
		Received: now,
	})
}

// HealthSnapshot reports the broker connection state.
func (c *MQTTClient) HealthSnapshot() Health {
	h := c.health(c.out)
	if c.client != nil {
		h.Connected = c.client.IsConnectionOpen()
	}
	return h
}

// Stop unsubscribes and disconnects.
func (c *MQTTClient) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.opts.Topic).WaitTimeout(time.Second)
		c.client.Disconnect(250)
	}
	c.connected.Store(false)
	log.Printf("MQTT %s: stopped", c.name)
}
