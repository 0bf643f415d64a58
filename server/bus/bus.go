// Package bus connects the detection service to an MQTT broker.
//
// Sources announce themselves on <prefix>/available-sources, and leave on
// <prefix>/unregister-sources. Each announcement names the topic on which the
// source publishes its JPEG frames. Results are published per source on
// <prefix>/detection-results-<id> (one JSON message per detection) and
// <prefix>/processed-img-<id> (the annotated frame, as a JPEG).
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/detectd/server/detection"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/logs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const DefaultPrefix = "detectd"
const DefaultJPEGQuality = 85

// How long we wait for the broker to acknowledge a publish or subscription
const ackTimeout = 2 * time.Second

// Announcements that may wait for the lifecycle goroutine
const lifecycleQueueSize = 256

// Engine is the part of the detection service that the bus drives
type Engine interface {
	RegisterSource(id uint32) bool
	UnregisterSource(id uint32) bool
	TryPush(id uint32, frame *framequeue.Frame) bool
	Performance() detection.Performance
}

// transport is the subset of mqtt.Client that we use
type transport interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker      string // eg tcp://localhost:1883
	ClientID    string // If empty, a random client id is generated
	Prefix      string // Topic prefix. If empty, DefaultPrefix.
	QoS         byte   // QoS for subscriptions and publishing
	JPEGQuality int    // Quality of published images. If zero, DefaultJPEGQuality.
}

// Announcement is the payload of the available-sources and unregister-sources topics
type Announcement struct {
	DeviceID *uint32 `json:"deviceId"`
	Topic    string  `json:"topic,omitempty"` // Frame topic. Defaults to <prefix>/frames/<id>
}

type eventKind int

const (
	eventBarrier     eventKind = iota // No-op. Only closes done.
	eventAvailable                    // A source announced itself
	eventUnregister                   // A source is going away
	eventResubscribe                  // We (re)connected to the broker
)

type lifecycleEvent struct {
	kind  eventKind
	id    uint32
	topic string
	done  chan bool // If not nil, closed once the event has been handled
}

// Bus is an MQTT client that feeds frames into the detection service,
// and publishes the results.
type Bus struct {
	Log    logs.Log
	config Config
	engine Engine
	client mqtt.Client
	conn   transport

	// Subscribing means waiting for the broker's ack, which we may not do on paho's
	// router goroutine, so announcements are handled in order by a single goroutine.
	events    chan lifecycleEvent
	closeOnce sync.Once
	closed    chan bool
	stopped   chan bool // Closed when the lifecycle goroutine exits

	lock        sync.Mutex
	frameTopics map[uint32]string // Sources that we're subscribed to, and their frame topics. Owned by the lifecycle goroutine.
	lastErrAt   time.Time

	framesReceived atomic.Uint64
	decodeErrors   atomic.Uint64
}

func New(logger logs.Log, config Config, engine Engine) *Bus {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	config.Prefix = strings.TrimSuffix(config.Prefix, "/")
	if config.JPEGQuality == 0 {
		config.JPEGQuality = DefaultJPEGQuality
	}
	if config.ClientID == "" {
		config.ClientID = "detectd-" + uuid.NewString()
	}
	b := &Bus{
		Log:         logs.NewPrefixLogger(logger, "Bus:"),
		config:      config,
		engine:      engine,
		events:      make(chan lifecycleEvent, lifecycleQueueSize),
		closed:      make(chan bool),
		stopped:     make(chan bool),
		frameTopics: map[uint32]string{},
	}
	go b.runLifecycle()
	return b
}

// Connect to the broker, and subscribe to source announcements.
// The client reconnects automatically, and resubscribes on every reconnect.
func (b *Bus) Connect() error {
	if b.config.Broker == "" {
		return errors.New("No MQTT broker configured")
	}
	b.client = mqtt.NewClient(b.clientOptions())
	b.conn = b.client
	token := b.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("Timeout connecting to MQTT broker %v", b.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("Failed to connect to MQTT broker %v: %w", b.config.Broker, err)
	}
	return nil
}

func (b *Bus) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.Broker)
	opts.SetClientID(b.config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// Frames of a source must reach the engine in the order they were published
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.Log.Infof("Connected to %v as %v", b.config.Broker, b.config.ClientID)
		b.post(lifecycleEvent{kind: eventResubscribe})
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.Log.Warnf("Connection to %v lost (%v). Reconnecting.", b.config.Broker, err)
	})
	return opts
}

// Close disconnects from the broker, and stops handling announcements
func (b *Bus) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		b.Log.Infof("Disconnected")
	}
	b.closeOnce.Do(func() { close(b.closed) })
	<-b.stopped
}

func (b *Bus) AvailableSourcesTopic() string {
	return b.config.Prefix + "/available-sources"
}

func (b *Bus) UnregisterSourcesTopic() string {
	return b.config.Prefix + "/unregister-sources"
}

func (b *Bus) DefaultFrameTopic(id uint32) string {
	return fmt.Sprintf("%v/frames/%v", b.config.Prefix, id)
}

func (b *Bus) DetectionResultsTopic(id uint32) string {
	return fmt.Sprintf("%v/detection-results-%v", b.config.Prefix, id)
}

func (b *Bus) ProcessedImageTopic(id uint32) string {
	return fmt.Sprintf("%v/processed-img-%v", b.config.Prefix, id)
}

// Counters returns the number of frames received, and the number that could not be decoded
func (b *Bus) Counters() (received, decodeErrors uint64) {
	return b.framesReceived.Load(), b.decodeErrors.Load()
}

func (b *Bus) subscribeAll() error {
	if err := b.subscribe(b.AvailableSourcesTopic(), b.onAvailableSource); err != nil {
		return err
	}
	if err := b.subscribe(b.UnregisterSourcesTopic(), b.onUnregisterSource); err != nil {
		return err
	}
	// After a reconnect, the broker may have forgotten our frame subscriptions
	b.lock.Lock()
	topics := map[uint32]string{}
	for id, topic := range b.frameTopics {
		topics[id] = topic
	}
	b.lock.Unlock()
	for id, topic := range topics {
		if err := b.subscribe(topic, b.frameHandler(id)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) subscribe(topic string, handler mqtt.MessageHandler) error {
	token := b.conn.Subscribe(topic, b.config.QoS, handler)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("Timeout subscribing to %v", topic)
	}
	return token.Error()
}

func (b *Bus) unsubscribe(topic string) error {
	token := b.conn.Unsubscribe(topic)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("Timeout unsubscribing from %v", topic)
	}
	return token.Error()
}

func (b *Bus) publish(topic string, payload []byte) error {
	if b.conn == nil {
		return errors.New("Not connected")
	}
	token := b.conn.Publish(topic, b.config.QoS, false, payload)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("Timeout publishing to %v", topic)
	}
	return token.Error()
}

func parseAnnouncement(payload []byte) (*Announcement, error) {
	a := &Announcement{}
	if err := json.Unmarshal(payload, a); err != nil {
		return nil, fmt.Errorf("Announcement (deviceId) field invalid: %w", err)
	}
	if a.DeviceID == nil {
		return nil, errors.New("Announcement (deviceId) field missing")
	}
	return a, nil
}

// post hands an event to the lifecycle goroutine. It never blocks, because
// blocking paho's router would also block the acks that the lifecycle goroutine waits for.
func (b *Bus) post(ev lifecycleEvent) {
	select {
	case b.events <- ev:
	default:
		b.Log.Errorf("Lifecycle queue is full. Dropping event %v for source %v", ev.kind, ev.id)
	}
}

func (b *Bus) runLifecycle() {
	defer close(b.stopped)
	for {
		select {
		case <-b.closed:
			return
		case ev := <-b.events:
			switch ev.kind {
			case eventAvailable:
				b.addSource(ev.id, ev.topic)
			case eventUnregister:
				b.removeSource(ev.id)
			case eventResubscribe:
				if err := b.subscribeAll(); err != nil {
					b.Log.Errorf("Failed to subscribe: %v", err)
				}
			}
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

// A source has announced itself
func (b *Bus) onAvailableSource(c mqtt.Client, msg mqtt.Message) {
	a, err := parseAnnouncement(msg.Payload())
	if err != nil {
		b.Log.Errorf("%v", err)
		return
	}
	b.post(lifecycleEvent{kind: eventAvailable, id: *a.DeviceID, topic: a.Topic})
}

// A source is going away
func (b *Bus) onUnregisterSource(c mqtt.Client, msg mqtt.Message) {
	a, err := parseAnnouncement(msg.Payload())
	if err != nil {
		b.Log.Errorf("%v", err)
		return
	}
	b.post(lifecycleEvent{kind: eventUnregister, id: *a.DeviceID})
}

// Register the source, and subscribe to its frames
func (b *Bus) addSource(id uint32, topic string) {
	perf := b.engine.Performance()
	b.Log.Infof("%.2fms\t%.2f FPS", perf.AvgLatencyMS, perf.AvgFPS)
	if !b.engine.RegisterSource(id) {
		b.Log.Warnf("Source %v is already registered", id)
		return
	}
	if topic == "" {
		topic = b.DefaultFrameTopic(id)
	}
	if err := b.subscribe(topic, b.frameHandler(id)); err != nil {
		b.Log.Errorf("Failed to subscribe to frames of source %v on %v: %v", id, topic, err)
		b.engine.UnregisterSource(id)
		return
	}
	b.lock.Lock()
	b.frameTopics[id] = topic
	b.lock.Unlock()
	b.Log.Infof("Source %v publishes frames on %v", id, topic)
}

func (b *Bus) removeSource(id uint32) {
	if !b.engine.UnregisterSource(id) {
		b.Log.Warnf("Source %v is not registered", id)
	}
	b.lock.Lock()
	topic, ok := b.frameTopics[id]
	delete(b.frameTopics, id)
	b.lock.Unlock()
	if ok {
		if err := b.unsubscribe(topic); err != nil {
			b.Log.Warnf("Failed to unsubscribe from %v: %v", topic, err)
		}
	}
}

// Frame handlers run on paho's router goroutine, one message at a time, so frames
// reach the engine in publish order. Decoding is the only real work here, and TryPush never blocks.
func (b *Bus) frameHandler(id uint32) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		b.framesReceived.Add(1)
		frame, err := framequeue.DecodeFrame(msg.Payload())
		if err != nil {
			b.decodeErrors.Add(1)
			b.logError("Source %v: %v", id, err)
			return
		}
		if !b.engine.TryPush(id, frame) {
			// Frames that were in flight when the source was unregistered
			b.Log.Debugf("Ignoring frame for unregistered source %v", id)
		}
	}
}

func (b *Bus) logError(format string, args ...any) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if time.Since(b.lastErrAt) > 15*time.Second {
		b.Log.Errorf(format, args...)
		b.lastErrAt = time.Now()
	}
}
