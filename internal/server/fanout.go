package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/taskhive/realtime-gateway/internal/bus"
	"github.com/taskhive/realtime-gateway/internal/events"
)

// FanoutBridge subscribes to the domain event bus and re-broadcasts each
// event into the rooms the routing table targets. Delivery is best-effort
// at-most-once; there is no queuing or replay.
type FanoutBridge struct {
	log     *log.Logger
	bus     bus.Bus
	gateway *GatewayServer

	sub  bus.Subscription
	done chan struct{}
}

func NewFanoutBridge(logger *log.Logger, b bus.Bus, gs *GatewayServer) *FanoutBridge {
	return &FanoutBridge{
		log:     logger,
		bus:     b,
		gateway: gs,
		done:    make(chan struct{}),
	}
}

// Run subscribes to every domain event channel and consumes until the
// subscription is closed via Stop.
func (fb *FanoutBridge) Run(ctx context.Context) error {
	sub, err := fb.bus.Subscribe(ctx, events.Channels()...)
	if err != nil {
		return err
	}
	fb.sub = sub

	go fb.consume()
	return nil
}

func (fb *FanoutBridge) consume() {
	defer close(fb.done)

	for msg := range fb.sub.Messages() {
		fb.dispatch(msg)
	}
}

// dispatch parses one raw bus message and delivers it to every target
// room. Malformed payloads are dropped with a logged warning so no
// partial broadcast can occur.
func (fb *FanoutBridge) dispatch(msg bus.Message) {
	ev, err := events.Parse(msg.Channel, msg.Payload)
	if err != nil {
		fb.log.Printf("dropping event on %q: %v", msg.Channel, err)
		return
	}

	for _, room := range events.Route(ev) {
		fb.gateway.DeliverEvent(room, ev.Kind, json.RawMessage(msg.Payload))
	}
}

// Stop closes the subscription and waits for the consumer to drain.
func (fb *FanoutBridge) Stop() error {
	if fb.sub == nil {
		return nil
	}
	err := fb.sub.Close()
	<-fb.done
	return err
}
