// Command simulate_search measures how long a trial spends
// in the searcher protocol, for various cluster shapes.
//
// Every participant trains for one unit of virtual time
// per unit of op length, then all participants average
// their validation metrics. The chief additionally waits
// on the master for every request. The output is a
// markdown table of the total virtual time per run.
package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/unixpickle/trialsearch/collcomm"
	"github.com/unixpickle/trialsearch/coordinator"
	"github.com/unixpickle/trialsearch/searcher"
	"github.com/unixpickle/trialsearch/simulator"
)

// TrainTime is the virtual time to train one unit of an
// op's length.
const TrainTime = 1e-3

// BarrierTimeout is the virtual time after which a
// participant stuck in a barrier gives up.
const BarrierTimeout = 60

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int
	Latency  float64
	Rate     float64

	// MasterLatency is the round-trip time of a request to
	// the master.
	MasterLatency float64
}

// Run creates a network and drops each participant into
// its own Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, commFn func(c *collcomm.Comms)) {
	nodes := make([]*simulator.Node, r.NumNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	network := simulator.LatencyNetwork{Latency: r.Latency, Rate: r.Rate}
	collcomm.SpawnComms(loop, network, nodes, commFn)
	loop.MustRun()
}

// slowMaster charges virtual time for every request, on
// top of a scripted coordinator.
type slowMaster struct {
	*coordinator.Memory
	handle  *simulator.Handle
	latency float64
}

func (s *slowMaster) NextOperation(ctx context.Context, trialID int) (searcher.Descriptor, error) {
	s.handle.Sleep(s.latency)
	return s.Memory.NextOperation(ctx, trialID)
}

func (s *slowMaster) ReportProgress(ctx context.Context, trialID int, progress float64) error {
	s.handle.Sleep(s.latency)
	return s.Memory.ReportProgress(ctx, trialID, progress)
}

func (s *slowMaster) CompleteOperation(ctx context.Context, trialID int, length uint64,
	metric float64) error {
	s.handle.Sleep(s.latency)
	return s.Memory.CompleteOperation(ctx, trialID, length, metric)
}

func (s *slowMaster) AcknowledgeOutOfOps(ctx context.Context, allocationID string) error {
	s.handle.Sleep(s.latency)
	return s.Memory.AcknowledgeOutOfOps(ctx, allocationID)
}

func main() {
	runs := []RunInfo{
		{NumNodes: 1, Latency: 0.1, Rate: 1e6, MasterLatency: 0.01},
		{NumNodes: 2, Latency: 0.1, Rate: 1e6, MasterLatency: 0.01},
		{NumNodes: 16, Latency: 1e-3, Rate: 1e6, MasterLatency: 0.01},
		{NumNodes: 32, Latency: 0.1, Rate: 1e6, MasterLatency: 0.01},
		{NumNodes: 32, Latency: 1e-4, Rate: 1e9, MasterLatency: 0.1},
	}
	scripts := [][]uint64{
		{100},
		{100, 200, 300, 400},
		// Successive halving style: many short ops.
		{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	}

	// Markdown table header.
	fmt.Println("| Nodes | Latency | NIC rate | Master latency | Ops | Total length | Time | Overhead |")
	for i := 0; i < 8; i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, script := range scripts {
			loop := simulator.NewEventLoop()
			coord := coordinator.NewMemory(script...)
			runInfo.Run(loop, func(c *collcomm.Comms) {
				simulateParticipant(c, coord, runInfo.MasterLatency)
			})
			if len(coord.Completions()) != len(script) {
				panic(fmt.Sprintf("expected %d completions but got %d", len(script), len(coord.Completions())))
			}
			totalLength := script[len(script)-1]
			trainTime := float64(totalLength) * TrainTime
			fmt.Printf(
				"| %d | %s | %s | %s | %d | %d | %f | %f |\n",
				runInfo.NumNodes,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				strconv.FormatFloat(runInfo.MasterLatency, 'f', -1, 64),
				len(script),
				totalLength,
				loop.Time(),
				loop.Time()-trainTime,
			)
		}
	}
}

func simulateParticipant(c *collcomm.Comms, coord *coordinator.Memory, masterLatency float64) {
	c.Timeout = BarrierTimeout
	master := &slowMaster{Memory: coord, handle: c.Handle, latency: masterLatency}
	s := searcher.New(master, c, searcher.TrialInfo{AllocationID: "simulated"}, nil)
	it, err := s.Ops()
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	var trained uint64
	for it.Next(ctx) {
		op := it.Op()
		c.Handle.Sleep(float64(op.Length()-trained) * TrainTime)
		trained = op.Length()
		sum, err := c.Allreduce(ctx, []float64{1 / float64(trained+uint64(c.Rank()))})
		if err != nil {
			panic(err)
		}
		if op.Role() == searcher.Chief {
			if err := op.ReportProgress(ctx, float64(trained)); err != nil {
				panic(err)
			}
			if err := op.Complete(ctx, sum[0]/float64(c.Size())); err != nil {
				panic(err)
			}
		}
	}
	if err := it.Err(); err != nil {
		panic(err)
	}
}
