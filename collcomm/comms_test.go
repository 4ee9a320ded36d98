package collcomm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/trialsearch/searcher"
	"github.com/unixpickle/trialsearch/simulator"
)

func TestBroadcast(t *testing.T) {
	for _, numNodes := range []int{1, 2, 5, 16, 17} {
		for _, randomized := range []bool{false, true} {
			testName := fmt.Sprintf("Nodes=%d,Random=%v", numNodes, randomized)
			t.Run(testName, func(t *testing.T) {
				loop := simulator.NewEventLoop()
				nodes := make([]*simulator.Node, numNodes)
				for i := range nodes {
					nodes[i] = simulator.NewNode()
				}

				var network simulator.Network
				if randomized {
					network = simulator.RandomNetwork{}
				} else {
					network = simulator.LatencyNetwork{Latency: 0.1, Rate: 1e3}
				}

				script := []searcher.Descriptor{{Length: 3}, {Length: math.MaxUint64}, {Done: true}}
				results := make([][]searcher.Descriptor, numNodes)
				entryTimes := make([][]float64, numNodes)
				exitTimes := make([][]float64, numNodes)
				SpawnComms(loop, network, nodes, func(c *Comms) {
					for _, d := range script {
						// Participants arrive at different times.
						c.Handle.Sleep(rand.Float64() * 10)
						if c.Rank() != 0 {
							d = searcher.Descriptor{}
						}
						entryTimes[c.Rank()] = append(entryTimes[c.Rank()], c.Handle.Time())
						res, err := c.Broadcast(context.Background(), d)
						if err != nil {
							t.Error(err)
							return
						}
						exitTimes[c.Rank()] = append(exitTimes[c.Rank()], c.Handle.Time())
						results[c.Rank()] = append(results[c.Rank()], res)
					}
					if c.Round() != len(script) {
						t.Errorf("rank %d: expected round %d but got %d", c.Rank(), len(script), c.Round())
					}
				})

				if err := loop.Run(); err != nil {
					t.Fatal(err)
				}

				for i, res := range results {
					if len(res) != len(script) {
						t.Fatalf("rank %d: got %d results", i, len(res))
					}
					for round, d := range res {
						if d != script[round] {
							t.Errorf("rank %d, round %d: expected %+v but got %+v", i, round, script[round], d)
						}
					}
				}

				for round := range script {
					var lastEntry float64
					for _, times := range entryTimes {
						lastEntry = math.Max(lastEntry, times[round])
					}
					for i, times := range exitTimes {
						if times[round] < lastEntry {
							t.Errorf("rank %d left round %d at %f before the last entry at %f",
								i, round, times[round], lastEntry)
						}
					}
				}
			})
		}
	}
}

func TestBroadcastTime(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := []*simulator.Node{simulator.NewNode(), simulator.NewNode(), simulator.NewNode()}
	network := simulator.LatencyNetwork{Latency: 1}
	SpawnComms(loop, network, nodes, func(c *Comms) {
		c.Broadcast(context.Background(), searcher.Descriptor{Length: 1})
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	// One latency for the arrivals and one for the release.
	if loop.Time() != 2 {
		t.Errorf("expected time 2 but got %f", loop.Time())
	}
}

func TestComms(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := []*simulator.Node{simulator.NewNode(), simulator.NewNode(), simulator.NewNode()}
	ranks := make(chan int, len(nodes))
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *Comms) {
		if c.Size() != len(nodes) {
			t.Errorf("unexpected size %d", c.Size())
		}
		if c.IndexOf(c.Ports[c.Rank()]) != c.Rank() {
			t.Error("inconsistent rank")
		}
		ranks <- c.Rank()
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	close(ranks)
	seen := map[int]bool{}
	for rank := range ranks {
		seen[rank] = true
	}
	if len(seen) != len(nodes) {
		t.Errorf("expected %d distinct ranks but got %v", len(nodes), seen)
	}
}

func TestAllreduce(t *testing.T) {
	for _, numNodes := range []int{1, 2, 5, 17} {
		t.Run(fmt.Sprintf("Nodes=%d", numNodes), func(t *testing.T) {
			loop := simulator.NewEventLoop()
			nodes := make([]*simulator.Node, numNodes)
			vectors := make([][]float64, numNodes)
			sum := make([]float64, 3)
			for i := range nodes {
				nodes[i] = simulator.NewNode()
				vectors[i] = []float64{rand.NormFloat64(), rand.NormFloat64(), float64(i)}
				for j, x := range vectors[i] {
					sum[j] += x
				}
			}

			results := make([][]float64, numNodes)
			descs := make([]searcher.Descriptor, numNodes)
			SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *Comms) {
				var err error
				results[c.Rank()], err = c.Allreduce(context.Background(), vectors[c.Rank()])
				if err != nil {
					t.Error(err)
					return
				}
				// Broadcasts and reductions can be interleaved.
				descs[c.Rank()], err = c.Broadcast(context.Background(), searcher.Descriptor{Length: 7})
				if err != nil {
					t.Error(err)
				}
			})
			if err := loop.Run(); err != nil {
				t.Fatal(err)
			}

			for i, res := range results {
				if len(res) != len(sum) {
					t.Fatalf("rank %d: got %d components", i, len(res))
				}
				for j, x := range res {
					if math.Abs(x-sum[j]) > 1e-8 {
						t.Errorf("rank %d: expected %f but got %f at component %d", i, sum[j], x, j)
					}
				}
				if descs[i].Length != 7 {
					t.Errorf("rank %d: unexpected descriptor %+v", i, descs[i])
				}
			}
		})
	}
}

func TestAllreduceLengthMismatch(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := []*simulator.Node{simulator.NewNode(), simulator.NewNode()}
	errs := make([]error, 2)
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *Comms) {
		_, errs[c.Rank()] = c.Allreduce(context.Background(), make([]float64, c.Rank()+1))
	})
	if err := loop.Run(); err == nil {
		t.Fatal("expected the worker to be stranded")
	}
	if errs[0] == nil {
		t.Error("expected an error on the chief")
	}
}

func TestBroadcastTimeout(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := []*simulator.Node{simulator.NewNode(), simulator.NewNode(), simulator.NewNode()}
	network := simulator.LatencyNetwork{Latency: 1}
	errs := make([]error, len(nodes))
	SpawnComms(loop, network, nodes, func(c *Comms) {
		c.Timeout = 5
		if _, err := c.Broadcast(context.Background(), searcher.Descriptor{Length: 1}); err != nil {
			t.Error(err)
			return
		}
		// The chief abandons the trial after the first round.
		if c.Rank() == 0 {
			return
		}
		_, errs[c.Rank()] = c.Broadcast(context.Background(), searcher.Descriptor{})
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	for rank, err := range errs[1:] {
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("rank %d: expected timeout but got %v", rank+1, err)
		}
	}
	// The first round takes 2, then workers wait 1 to reach
	// the chief and 5 more for a release.
	if loop.Time() != 7 {
		t.Errorf("expected time 7 but got %f", loop.Time())
	}
}
