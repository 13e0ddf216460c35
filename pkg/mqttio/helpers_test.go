package mqttio_test

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// --- Mocks for Paho MQTT Client ---
type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic     string
	payload   []byte
	messageID uint16

	mu    sync.Mutex
	acked bool
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return m.messageID }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
}

func (m *mockMqttMessage) wasAcked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// mockMqttClient embeds the interface so that methods the endpoints never
// call need no stub.
type mockMqttClient struct {
	mqtt.Client

	mu             sync.Mutex
	connected      bool
	connectErr     error
	publishErr     error
	options        *mqtt.ClientOptions
	published      []published
	subscribed     string
	unsubscribed   bool
	disconnects    int
	messageHandler mqtt.MessageHandler
}

func (m *mockMqttClient) factory(opts *mqtt.ClientOptions) mqtt.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = opts
	return m
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }

func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr == nil {
		m.connected = true
	}
	return &mockToken{err: m.connectErr}
}

func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnects++
}

func (m *mockMqttClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return &mockToken{err: m.publishErr}
	}
	m.published = append(m.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &mockToken{}
}

func (m *mockMqttClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = topic
	m.messageHandler = callback
	return &mockToken{}
}

func (m *mockMqttClient) Unsubscribe(_ ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = true
	return &mockToken{}
}

// deliver simulates an inbound message.
func (m *mockMqttClient) deliver(msg mqtt.Message) error {
	m.mu.Lock()
	handler := m.messageHandler
	m.mu.Unlock()
	if handler == nil {
		return errors.New("not subscribed")
	}
	handler(m, msg)
	return nil
}

func (m *mockMqttClient) publishedMessages() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}
