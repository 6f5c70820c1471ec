package telemetry

import (
	"encoding/json"
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goax12/internal/monitor"
)

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	msgs []message
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.msgs = append(c.msgs, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return &paho.DummyToken{}
}

func TestPublisherTopics(t *testing.T) {
	p := NewPublisher(&fakeClient{}, "goax12", "node1", 0, nil)
	require.Equal(t, "goax12/node1/servo/7/state", p.Topic(7))

	p = NewPublisher(&fakeClient{}, "", "node1", 0, nil)
	require.Equal(t, "node1/servo/7/state", p.Topic(7))
}

func TestPublisherPublishesChanges(t *testing.T) {
	c := &fakeClient{}
	p := NewPublisher(c, "goax12", "n", 1, nil)

	snap := monitor.Snapshot{Servos: []monitor.ServoState{
		{ID: 1, Online: true, Position: 512, Updated: 100},
		{ID: 2, Online: true, Position: 300, Updated: 100},
	}}
	p.Record(snap)
	require.Len(t, c.msgs, 3)
	require.Equal(t, "goax12/n/servo/1/state", c.msgs[0].topic)
	require.True(t, c.msgs[0].retained)
	require.Equal(t, "goax12/n/servos", c.msgs[2].topic)
	require.JSONEq(t, `[1,2]`, string(c.msgs[2].payload))

	var got monitor.ServoState
	require.NoError(t, json.Unmarshal(c.msgs[1].payload, &got))
	require.Equal(t, 300, got.Position)

	// Only the timestamp moved: nothing new to say.
	snap.Servos[0].Updated, snap.Servos[1].Updated = 200, 200
	p.Record(snap)
	require.Len(t, c.msgs, 3)

	snap.Servos[1].Position = 310
	p.Record(snap)
	require.Len(t, c.msgs, 4)
	require.Equal(t, "goax12/n/servo/2/state", c.msgs[3].topic)
}

func TestNodeID(t *testing.T) {
	id := NodeID()
	require.NotEmpty(t, id)
	require.LessOrEqual(t, len(id), 12)
	require.Equal(t, id, NodeID())
}
