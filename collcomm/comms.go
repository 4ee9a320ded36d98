// Package collcomm implements collective communication
// between the simulated participants of a trial.
package collcomm

import (
	"context"
	"errors"
	"fmt"

	"github.com/unixpickle/trialsearch/searcher"
	"github.com/unixpickle/trialsearch/simulator"
)

// ErrTimeout is returned when a barrier round does not
// finish within Comms.Timeout.
var ErrTimeout = errors.New("collcomm: barrier timed out")

// Comms is one participant's view of a simulated trial.
//
// The first Port is the chief. Comms implements
// searcher.Distributed, so it can be handed to a
// searcher.Searcher directly.
type Comms struct {
	// Handle is the participant Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the current participant's port.
	Port *simulator.Port

	// Ports contains ports to all the participants,
	// including the current one.
	Ports []*simulator.Port

	// Network connects the participants.
	Network simulator.Network

	// Timeout is the virtual time to wait for any single
	// message of a barrier round, or 0 to wait forever.
	Timeout float64

	round int
}

// SpawnComms creates a Comms object for every node and
// calls f for each node in its own Goroutine.
//
// The first node is the chief.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
			})
		})
	}
}

// Size gets the number of participants.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Rank returns the current participant's index.
func (c *Comms) Rank() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any participant's index.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

// Round returns the number of finished broadcasts.
func (c *Comms) Round() int {
	return c.round
}

// Broadcast runs one round of the broadcast barrier.
//
// Every worker first reports its arrival to the chief.
// Once the chief has heard from everybody, it sends its
// Descriptor to every worker. Thus, no participant leaves
// the barrier before all participants have entered it.
//
// The context is unused, since the simulation never waits
// in real time.
func (c *Comms) Broadcast(ctx context.Context, d searcher.Descriptor) (searcher.Descriptor, error) {
	defer func() {
		c.round++
	}()
	if c.Rank() == 0 {
		if _, err := c.gather(); err != nil {
			return d, err
		}
		c.release(&barrierPacket{round: c.round, desc: d})
		return d, nil
	}
	packet, err := c.arrive(&barrierPacket{round: c.round, arrival: true})
	if err != nil {
		return searcher.Descriptor{}, err
	}
	return packet.desc, nil
}

// Allreduce sums a vector across all participants. Like
// Broadcast, it is a barrier round, so every participant
// must call it in the same order relative to Broadcast.
//
// Every participant's vector must have the same length.
func (c *Comms) Allreduce(ctx context.Context, data []float64) ([]float64, error) {
	defer func() {
		c.round++
	}()
	if c.Rank() != 0 {
		packet, err := c.arrive(&barrierPacket{round: c.round, arrival: true, values: data})
		if err != nil {
			return nil, err
		}
		return packet.values, nil
	}
	arrivals, err := c.gather()
	if err != nil {
		return nil, err
	}
	sum := append([]float64{}, data...)
	for _, packet := range arrivals {
		if len(packet.values) != len(sum) {
			return nil, fmt.Errorf("chief: vector length mismatch in round %d: %d != %d",
				c.round, len(packet.values), len(sum))
		}
		for i, x := range packet.values {
			sum[i] += x
		}
	}
	c.release(&barrierPacket{round: c.round, values: sum})
	return sum, nil
}

// gather collects the arrival of every worker in the
// current round, on the chief.
func (c *Comms) gather() ([]*barrierPacket, error) {
	arrived := map[int]bool{}
	packets := make([]*barrierPacket, 0, c.Size()-1)
	for len(arrived) < c.Size()-1 {
		packet, source, err := c.recv()
		if err != nil {
			return nil, err
		}
		if !packet.arrival || packet.round != c.round || arrived[c.IndexOf(source)] {
			return nil, fmt.Errorf("chief: unexpected packet in round %d: %+v", c.round, packet)
		}
		arrived[c.IndexOf(source)] = true
		packets = append(packets, packet)
	}
	return packets, nil
}

// release sends a packet to every worker.
func (c *Comms) release(packet *barrierPacket) {
	messages := make([]*simulator.Message, 0, c.Size()-1)
	for _, port := range c.Ports[1:] {
		messages = append(messages, c.message(port, packet))
	}
	c.Network.Send(c.Handle, messages...)
}

// arrive reports a worker's arrival and waits for the
// chief's release.
func (c *Comms) arrive(packet *barrierPacket) (*barrierPacket, error) {
	c.Network.Send(c.Handle, c.message(c.Ports[0], packet))
	res, source, err := c.recv()
	if err != nil {
		return nil, err
	}
	if source != c.Ports[0] || res.arrival || res.round != c.round {
		return nil, fmt.Errorf("rank %d: unexpected packet in round %d: %+v", c.Rank(), c.round, res)
	}
	return res, nil
}

func (c *Comms) recv() (*barrierPacket, *simulator.Port, error) {
	var msg *simulator.Message
	if c.Timeout > 0 {
		msg = c.Port.RecvTimeout(c.Handle, c.Timeout)
		if msg == nil {
			return nil, nil, fmt.Errorf("%w: rank %d in round %d", ErrTimeout, c.Rank(), c.round)
		}
	} else {
		msg = c.Port.Recv(c.Handle)
	}
	return msg.Message.(*barrierPacket), msg.Source, nil
}

func (c *Comms) message(dst *simulator.Port, packet *barrierPacket) *simulator.Message {
	return &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: packet,
		Size:    packet.Size(),
	}
}

type barrierPacket struct {
	round   int
	arrival bool
	desc    searcher.Descriptor
	values  []float64
}

// Size approximates the encoded size: a round number, a
// flag, an optional op length, and the vector.
func (b *barrierPacket) Size() float64 {
	size := 9 + 8*float64(len(b.values))
	if !b.arrival {
		size += 8
	}
	return size
}
