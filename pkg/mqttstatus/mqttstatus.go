// Package mqttstatus publishes printer object status to an MQTT broker.
// Each object is published as JSON on <topic_prefix>/<object>/status after
// a nozzle change and, optionally, on a fixed interval.
package mqttstatus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/log"
	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/reactor"
)

const (
	eventReady      = "klippy:ready"
	eventShutdown   = "klippy:shutdown"
	eventDisconnect = "klippy:disconnect"

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Client is the part of mqtt.Client used by the publisher.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Dialer creates a client from broker options.
type Dialer func(opts *mqtt.ClientOptions) Client

// PahoDialer creates a paho client.
func PahoDialer(opts *mqtt.ClientOptions) Client {
	return mqtt.NewClient(opts)
}

// Host is the printer the publisher reads status from. ObjectStatus is only
// called on the reactor goroutine.
type Host interface {
	RegisterEventHandler(event string, handler func(args ...any) error)
	ObjectStatus(name string, eventtime float64) (map[string]any, bool)
	ObjectNames() []string
	Reactor() *reactor.Reactor
}

// Config is the [mqtt_status] section.
type Config struct {
	Broker          string
	TopicPrefix     string
	ClientID        string
	QoS             byte
	Retain          bool
	PublishInterval float64
	Objects         []string
}

// LoadConfig reads an [mqtt_status] section.
func LoadConfig(sec *config.Section) (Config, error) {
	var cfg Config
	var err error
	if cfg.Broker, err = sec.Get("broker"); err != nil {
		return cfg, err
	}
	if cfg.TopicPrefix, err = sec.Get("topic_prefix", "klipper"); err != nil {
		return cfg, err
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.ClientID, err = sec.Get("client_id", "klipper-nozzle"); err != nil {
		return cfg, err
	}
	qos, err := sec.GetInt("qos", 0)
	if err != nil {
		return cfg, err
	}
	if qos < 0 || qos > 2 {
		return cfg, config.ErrOutOfRange(sec.GetName(), "qos", float64(qos), "must be 0, 1 or 2")
	}
	cfg.QoS = byte(qos)
	if cfg.Retain, err = sec.GetBool("retain", true); err != nil {
		return cfg, err
	}
	cfg.PublishInterval, err = sec.GetFloatWithBounds("publish_interval",
		config.FloatBounds{MinVal: config.Bound(0)}, 0)
	if err != nil {
		return cfg, err
	}
	if cfg.Objects, err = sec.GetList("objects", ",", nil); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Publisher is the mqtt_status printer object.
type Publisher struct {
	cfg    Config
	host   Host
	dial   Dialer
	client Client
	timer  *reactor.Timer
	log    *log.Logger
}

// New creates a publisher and hooks it to the printer events. The broker
// connection is made when the printer becomes ready.
func New(host Host, cfg Config, dial Dialer) *Publisher {
	if dial == nil {
		dial = PahoDialer
	}
	p := &Publisher{
		cfg:  cfg,
		host: host,
		dial: dial,
		log:  log.GetLogger("mqtt_status").With(log.Fields{"broker": cfg.Broker}),
	}
	host.RegisterEventHandler(eventReady, p.handleReady)
	host.RegisterEventHandler(nozzle.EventChanged, p.handleChanged)
	closeHandler := func(...any) error {
		p.Close()
		return nil
	}
	host.RegisterEventHandler(eventShutdown, closeHandler)
	host.RegisterEventHandler(eventDisconnect, closeHandler)
	return p
}

// Factory returns a config module factory for [mqtt_status].
func Factory(host Host, dial Dialer) config.ModuleFactory {
	return func(sec *config.Section) (config.Module, error) {
		cfg, err := LoadConfig(sec)
		if err != nil {
			return nil, err
		}
		return New(host, cfg, dial), nil
	}
}

// GetName returns the printer object name.
func (p *Publisher) GetName() string {
	return "mqtt_status"
}

// GetStatus reports the broker connection.
func (p *Publisher) GetStatus(eventtime float64) map[string]any {
	return map[string]any{
		"broker":    p.cfg.Broker,
		"connected": p.client != nil && p.client.IsConnected(),
	}
}

// Topic returns the status topic of an object.
func (p *Publisher) Topic(object string) string {
	return fmt.Sprintf("%s/%s/status", p.cfg.TopicPrefix, object)
}

func (p *Publisher) handleReady(args ...any) error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.WithError(err).Warn("connection lost")
	})
	p.client = p.dial(opts)

	tok := p.client.Connect()
	go func() {
		if tok.WaitTimeout(connectTimeout) && tok.Error() != nil {
			p.log.WithError(tok.Error()).Warn("connect failed")
		}
	}()

	r := p.host.Reactor()
	p.publishAll(r.Monotonic())
	if p.cfg.PublishInterval > 0 {
		p.timer = r.RegisterTimer(func(eventtime float64) float64 {
			p.publishAll(eventtime)
			return eventtime + p.cfg.PublishInterval
		}, r.Monotonic()+p.cfg.PublishInterval)
	}
	return nil
}

func (p *Publisher) handleChanged(args ...any) error {
	if len(args) == 0 {
		return nil
	}
	name, ok := args[0].(string)
	if !ok {
		return nil
	}
	p.publish(name, p.host.Reactor().Monotonic())
	return nil
}

func (p *Publisher) objects() []string {
	if len(p.cfg.Objects) > 0 {
		return p.cfg.Objects
	}
	return p.host.ObjectNames()
}

func (p *Publisher) publishAll(eventtime float64) {
	for _, name := range p.objects() {
		if name == p.GetName() {
			continue
		}
		p.publish(name, eventtime)
	}
}

// publish sends one object's status. Delivery is confirmed off the reactor
// goroutine.
func (p *Publisher) publish(name string, eventtime float64) {
	if p.client == nil {
		return
	}
	status, ok := p.host.ObjectStatus(name, eventtime)
	if !ok {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		p.log.WithError(err).WithField("object", name).Warn("unable to encode status")
		return
	}
	topic := p.Topic(name)
	tok := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	go func() {
		if tok.WaitTimeout(publishTimeout) && tok.Error() != nil {
			p.log.WithError(tok.Error()).WithField("topic", topic).Warn("publish failed")
		}
	}()
}

// Close stops periodic publishing and disconnects from the broker.
func (p *Publisher) Close() {
	if p.timer != nil {
		p.host.Reactor().UnregisterTimer(p.timer)
		p.timer = nil
	}
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}
