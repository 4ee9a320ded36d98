package simulator

import "math/rand"

// A Node is a simulated machine running one participant.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// Port creates a new Port attached to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port is an endpoint on a Node that messages are sent
// from and received on.
type Port struct {
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv blocks until the next message arrives.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// RecvTimeout is like Recv, but it gives up and returns
// nil after timeout units of virtual time.
func (p *Port) RecvTimeout(h *Handle, timeout float64) *Message {
	event := h.PollTimeout(timeout, p.Incoming)
	if event == nil {
		return nil
	}
	return event.Message.(*Message)
}

// A Message is data sent between two Ports.
type Message struct {
	Source  *Port
	Dest    *Port
	Message any

	// Size is the approximate encoded size in bytes.
	Size float64
}

// A Network delivers messages between Ports.
type Network interface {
	// Send schedules messages for delivery on their
	// destination Ports without blocking.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork delays every message by a uniformly
// random amount of time in [0, 1).
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}

// A LatencyNetwork delivers each message after a fixed
// latency plus its transmission time at Rate bytes per
// unit of time. Messages do not interfere with each other.
type LatencyNetwork struct {
	Latency float64
	Rate    float64
}

// Send sends the messages.
func (l LatencyNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		delay := l.Latency
		if l.Rate > 0 {
			delay += msg.Size / l.Rate
		}
		h.Schedule(msg.Dest.Incoming, msg, delay)
	}
}
