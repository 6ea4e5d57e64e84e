// Package publish forwards detection events to an MQTT broker so other
// systems in the room can react to the same tones.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ColonelBlimp/tonelink/internal/effect"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
	queueSize      = 64
)

var (
	// ErrBrokerRequired indicates no broker URL was configured
	ErrBrokerRequired = errors.New("mqtt broker is required")
	// ErrTopicRequired indicates no topic prefix was configured
	ErrTopicRequired = errors.New("mqtt topic is required")
	// ErrPublishTimeout indicates the broker did not acknowledge in time
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	// ErrQueueFull indicates an event was dropped because the client is backed up
	ErrQueueFull = errors.New("mqtt publish queue full")
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config holds broker settings.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // topic prefix; events go to <Topic>/<event>
	ClientID string // generated when empty
	QoS      byte
	Retain   bool
	Session  string // stamped on every payload; generated when empty

	// OnError is called for each failed or dropped publish, possibly from a
	// background goroutine.
	OnError func(topic string, err error)
	Logger  *log.Logger
}

// Payload is the JSON body of every message.
type Payload struct {
	Event     string         `json:"event"`
	Session   string         `json:"session"`
	Timestamp int64          `json:"timestamp"`
	Channel   *int           `json:"channel,omitempty"`
	Effect    *effect.Change `json:"effect,omitempty"`
}

type outbound struct {
	topic string
	data  []byte
}

// Publisher publishes detection events. Events are queued and handed to the
// client by a single worker, so a stalled connection never blocks the caller.
type Publisher struct {
	client Client
	config Config
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	queue   chan outbound
	done    chan struct{}
	pending sync.WaitGroup
}

// New connects to the configured broker.
func New(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, ErrBrokerRequired
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tonelink_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWriteTimeout(publishTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Println("mqtt: connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("mqtt: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// connect retry keeps trying in the background
		logger.Printf("mqtt: broker %s not reachable yet, retrying", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}

	return NewWithClient(cfg, client)
}

// NewWithClient builds a Publisher over an existing client.
func NewWithClient(cfg Config, client Client) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, ErrTopicRequired
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		client: client,
		config: cfg,
		logger: logger,
		now:    time.Now,
		queue:  make(chan outbound, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Session returns the session id stamped on payloads.
func (p *Publisher) Session() string {
	return p.config.Session
}

// ChannelDetected publishes an accepted detection to <topic>/detected.
func (p *Publisher) ChannelDetected(channel int) {
	p.publish("detected", Payload{Channel: &channel})
}

// NoSignal publishes a no-signal notification to <topic>/no_signal.
func (p *Publisher) NoSignal() {
	p.publish("no_signal", Payload{})
}

// Effect publishes a layer change to <topic>/effect.
func (p *Publisher) Effect(change effect.Change) {
	channel := change.Channel
	p.publish("effect", Payload{Channel: &channel, Effect: &change})
}

// Close drains queued events, waits for their acknowledgements and
// disconnects. Later publishes are dropped.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.pending.Wait()
	p.client.Disconnect(quiesceMillis)
	p.logger.Println("mqtt: disconnected from broker")
}

// publish never blocks the caller: a full queue drops the event.
func (p *Publisher) publish(event string, payload Payload) {
	payload.Event = event
	payload.Session = p.config.Session
	payload.Timestamp = p.now().UnixMilli()
	topic := p.config.Topic + "/" + event

	data, err := json.Marshal(payload)
	if err != nil {
		p.fail(topic, fmt.Errorf("marshal payload: %w", err))
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	select {
	case p.queue <- outbound{topic: topic, data: data}:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.fail(topic, ErrQueueFull)
	}
}

// run hands queued events to the client. Acknowledgements are awaited in
// the background so a slow broker does not hold up the queue.
func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		token := p.client.Publish(msg.topic, p.config.QoS, p.config.Retain, msg.data)
		p.pending.Add(1)
		go func(topic string) {
			defer p.pending.Done()
			if !token.WaitTimeout(publishTimeout) {
				p.fail(topic, ErrPublishTimeout)
				return
			}
			if err := token.Error(); err != nil {
				p.fail(topic, err)
			}
		}(msg.topic)
	}
}

func (p *Publisher) fail(topic string, err error) {
	p.logger.Printf("mqtt: failed to publish to %s: %v", topic, err)
	if p.config.OnError != nil {
		p.config.OnError(topic, err)
	}
}
