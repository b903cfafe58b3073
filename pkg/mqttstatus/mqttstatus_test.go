package mqttstatus

import (
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/reactor"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connected    bool
	disconnected bool
	messages     []message
	publishErr   error
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic, qos, retained, payload.([]byte)})
	return newFakeToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

type fakeHost struct {
	mu       sync.Mutex
	handlers map[string][]func(args ...any) error
	status   map[string]map[string]any
	names    []string
	reactor  *reactor.Reactor
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		handlers: make(map[string][]func(args ...any) error),
		status: map[string]map[string]any{
			"extruder":  {"nozzle_diameter": 0.4},
			"extruder1": {"nozzle_diameter": 0.6},
		},
		names:   []string{"toolhead", "extruder", "extruder1"},
		reactor: reactor.New(),
	}
}

func (h *fakeHost) RegisterEventHandler(event string, handler func(args ...any) error) {
	h.handlers[event] = append(h.handlers[event], handler)
}

func (h *fakeHost) send(t *testing.T, event string, args ...any) {
	t.Helper()
	for _, fn := range h.handlers[event] {
		if err := fn(args...); err != nil {
			t.Fatalf("%s handler failed: %v", event, err)
		}
	}
}

func (h *fakeHost) ObjectStatus(name string, eventtime float64) (map[string]any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.status[name]
	return s, ok
}

func (h *fakeHost) ObjectNames() []string     { return h.names }
func (h *fakeHost) Reactor() *reactor.Reactor { return h.reactor }

func newTestPublisher(cfg Config) (*Publisher, *fakeHost, *fakeClient) {
	host := newFakeHost()
	client := &fakeClient{}
	p := New(host, cfg, func(opts *mqtt.ClientOptions) Client {
		client.opts = opts
		return client
	})
	return p, host, client
}

func TestLoadConfig(t *testing.T) {
	cfg, err := config.LoadString("[mqtt_status]\nbroker: tcp://localhost:1883\ntopic_prefix: shop/voron/\nqos: 1\nretain: false\npublish_interval: 5\nobjects: extruder, extruder1\n")
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := cfg.GetSection("mqtt_status")
	c, err := LoadConfig(sec)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.TopicPrefix != "shop/voron" {
		t.Errorf("expected trimmed prefix, got %q", c.TopicPrefix)
	}
	if c.QoS != 1 || c.Retain || c.PublishInterval != 5 {
		t.Errorf("unexpected config %+v", c)
	}
	if len(c.Objects) != 2 || c.Objects[1] != "extruder1" {
		t.Errorf("expected two objects, got %v", c.Objects)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, _ := config.LoadString("[mqtt_status]\nbroker: tcp://broker:1883\n")
	sec, _ := cfg.GetSection("mqtt_status")
	c, err := LoadConfig(sec)
	if err != nil {
		t.Fatal(err)
	}
	if c.TopicPrefix != "klipper" || c.ClientID != "klipper-nozzle" || !c.Retain || c.QoS != 0 || c.PublishInterval != 0 {
		t.Errorf("unexpected defaults %+v", c)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []string{
		"[mqtt_status]\n",
		"[mqtt_status]\nbroker: tcp://b:1883\nqos: 3\n",
		"[mqtt_status]\nbroker: tcp://b:1883\npublish_interval: -1\n",
		"[mqtt_status]\nbroker: tcp://b:1883\nretain: maybe\n",
	}
	for _, text := range tests {
		cfg, _ := config.LoadString(text)
		sec, _ := cfg.GetSection("mqtt_status")
		if _, err := LoadConfig(sec); err == nil {
			t.Errorf("expected error for %q", text)
		}
	}
}

func TestReadyConnectsAndPublishes(t *testing.T) {
	p, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "klipper", ClientID: "test", Retain: true})
	host.send(t, "klippy:ready")

	if !client.IsConnected() {
		t.Fatal("expected client to connect on ready")
	}
	if len(client.opts.Servers) != 1 || client.opts.ClientID != "test" {
		t.Errorf("unexpected client options: servers=%v id=%q", client.opts.Servers, client.opts.ClientID)
	}

	msgs := client.sent()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (toolhead has no status), got %d", len(msgs))
	}
	if msgs[0].topic != "klipper/extruder/status" || !msgs[0].retained {
		t.Errorf("unexpected message %+v", msgs[0])
	}
	if !p.GetStatus(0)["connected"].(bool) {
		t.Error("expected connected status")
	}
}

func TestChangedPublishesOneObject(t *testing.T) {
	_, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "klipper"})
	host.send(t, "klippy:ready")
	before := len(client.sent())

	host.mu.Lock()
	host.status["extruder1"] = map[string]any{"nozzle_diameter": 0.8}
	host.mu.Unlock()
	host.send(t, nozzle.EventChanged, "extruder1")

	msgs := client.sent()[before:]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].topic != "klipper/extruder1/status" {
		t.Errorf("unexpected topic %s", msgs[0].topic)
	}
	var payload map[string]any
	if err := json.Unmarshal(msgs[0].payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["nozzle_diameter"] != 0.8 {
		t.Errorf("expected nozzle_diameter 0.8, got %v", payload["nozzle_diameter"])
	}
}

func TestChangedBeforeReadyIsIgnored(t *testing.T) {
	_, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "klipper"})
	host.send(t, nozzle.EventChanged, "extruder")
	if len(client.sent()) != 0 {
		t.Error("expected nothing published before connect")
	}
}

func TestConfiguredObjectsOnly(t *testing.T) {
	_, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "p", Objects: []string{"extruder1"}})
	host.send(t, "klippy:ready")
	msgs := client.sent()
	if len(msgs) != 1 || msgs[0].topic != "p/extruder1/status" {
		t.Errorf("expected only extruder1 published, got %+v", msgs)
	}
}

func TestPublishErrorDoesNotFail(t *testing.T) {
	_, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "klipper"})
	client.publishErr = stderrors.New("not connected")
	host.send(t, "klippy:ready")
	host.send(t, nozzle.EventChanged, "extruder")
}

func TestIntervalPublishing(t *testing.T) {
	_, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "klipper", PublishInterval: 0.05})
	r := host.reactor
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	if _, err := r.Call(func(float64) interface{} {
		host.send(t, "klippy:ready")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(client.sent()) < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(client.sent()); n < 6 {
		t.Errorf("expected periodic publishes, got %d messages", n)
	}
}

func TestShutdownDisconnects(t *testing.T) {
	_, host, client := newTestPublisher(Config{Broker: "tcp://b:1883", TopicPrefix: "klipper", PublishInterval: 10})
	host.send(t, "klippy:ready")
	host.send(t, "klippy:shutdown")
	if !client.disconnected {
		t.Error("expected disconnect on shutdown")
	}
}
