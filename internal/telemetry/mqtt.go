// Package telemetry publishes servo states to an MQTT broker.
//
// Each servo gets a retained JSON state message on
//
//	<prefix>/<node>/servo/<id>/state
//
// and the list of servos seen by the last scan on <prefix>/<node>/servos.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goax12/internal/config"
	"github.com/shaunagostinho/goax12/internal/monitor"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = time.Second
)

// Client is the part of paho.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher sends a state message whenever a servo's state changes.
type Publisher struct {
	client Client
	closer func()
	prefix string
	node   string
	qos    byte
	log    *zap.Logger

	mu   sync.Mutex
	last map[byte]monitor.ServoState
	ids  string
}

// NodeID returns a stable identifier for this machine, derived from the OS
// machine id. It falls back to "local" when none is available.
func NodeID() string {
	id, err := machineid.ProtectedID("goax12")
	if err != nil || id == "" {
		return "local"
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// Connect dials the broker in cfg and returns a Publisher using it.
func Connect(cfg config.MQTTConfig, log *zap.Logger) (*Publisher, error) {
	node := cfg.Node
	if node == "" {
		node = NodeID()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "goax12-" + node
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if log != nil {
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("mqtt connection lost", zap.Error(err))
		})
	}

	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("telemetry: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", cfg.Broker, err)
	}

	p := NewPublisher(c, cfg.Prefix, node, byte(cfg.QoS), log)
	p.closer = func() { c.Disconnect(250) }
	if log != nil {
		log.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.String("node", node))
	}
	return p, nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(c Client, prefix, node string, qos byte, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client: c,
		prefix: prefix,
		node:   node,
		qos:    qos,
		log:    log,
		last:   make(map[byte]monitor.ServoState),
	}
}

// Topic returns the state topic for servo id.
func (p *Publisher) Topic(id byte) string {
	return p.base() + "/servo/" + strconv.Itoa(int(id)) + "/state"
}

func (p *Publisher) base() string {
	if p.prefix == "" {
		return p.node
	}
	return p.prefix + "/" + p.node
}

// Record publishes the servos whose state changed since the last call.
func (p *Publisher) Record(snap monitor.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(snap.Servos))
	for _, s := range snap.Servos {
		ids = append(ids, int(s.ID))

		prev, seen := p.last[s.ID]
		cmp := s
		cmp.Updated = prev.Updated
		if seen && cmp == prev {
			continue
		}
		p.last[s.ID] = s
		p.publish(p.Topic(s.ID), s)
	}

	if list := fmt.Sprint(ids); list != p.ids {
		p.ids = list
		p.publish(p.base()+"/servos", ids)
	}
}

func (p *Publisher) publish(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.Error("encode failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	t := p.client.Publish(topic, p.qos, true, payload)
	if p.qos == 0 {
		return
	}
	if t.WaitTimeout(publishTimeout) && t.Error() != nil {
		p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(t.Error()))
	}
}

// Close disconnects from the broker when the Publisher owns the client.
func (p *Publisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
