package broker

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/comm"
)

// NATS topics shared by the platform services.
const (
	TopicGameLifecycle = "game.lifecycle"
	TopicMatchMade     = "match.made"
)

// lifecycle event types on TopicGameLifecycle
const (
	TypeGameCreated  = "game-created"
	TypeGameFinished = "game-finished"
)

// Broker publishes lifecycle events for sibling services and subscribes the
// game service to matchmaking announcements. Services share no in-process
// state; NATS and storage are the only channels between them.
type Broker struct {
	Conn *nats.Conn
}

func NewBroker(nc *nats.Conn) *Broker {
	return &Broker{Conn: nc}
}

func (b *Broker) PublishGameCreated(ev comm.GameLifecycle) {
	b.publishEvent(TopicGameLifecycle, TypeGameCreated, ev)
}

func (b *Broker) PublishGameFinished(ev comm.GameLifecycle) {
	b.publishEvent(TopicGameLifecycle, TypeGameFinished, ev)
}

func (b *Broker) PublishMatchMade(ev comm.MatchMade) {
	b.publishEvent(TopicMatchMade, "match-made", ev)
}

func (b *Broker) publishEvent(topic, eventType string, payload interface{}) {
	msg, err := comm.NewEvent(eventType, payload)
	if err != nil {
		log.Errorf("unable to marshal %s event: %v", eventType, err)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Error %s", err)
		return
	}

	if err := b.Publish(topic, data); err != nil {
		log.Errorf("Error publishing %s to topic %s: %v", eventType, topic, err)
	}
}

// SubscribeMatchMade delivers matchmaking announcements to the handler. The
// game service uses this to adopt matched games and start their timers.
func (b *Broker) SubscribeMatchMade(handler func(comm.MatchMade)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(TopicMatchMade, func(m *nats.Msg) {
		var ev comm.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.Errorf("Error nats message %s", err)
			return
		}

		var match comm.MatchMade
		if err := json.Unmarshal(ev.Payload, &match); err != nil {
			log.Errorf("Error decoding match-made payload %s", err)
			return
		}

		handler(match)
	})
}

// SubscribeGameLifecycle lets control-plane services watch game transitions.
func (b *Broker) SubscribeGameLifecycle(handler func(eventType string, ev comm.GameLifecycle)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(TopicGameLifecycle, func(m *nats.Msg) {
		var env comm.Event
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Errorf("Error nats message %s", err)
			return
		}

		var ev comm.GameLifecycle
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Errorf("Error decoding %s payload %s", env.Type, err)
			return
		}

		handler(env.Type, ev)
	})
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
