package mpipe_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clusterpipe/mpipe"
)

// buildCluster wires a master and numSlaves slaves over a shared
// FakeNetwork with tight timeouts, mirroring the package-internal
// helper in multiplexer_test.go (unexported there, so the external
// test package rebuilds the same shape against the public API only).
func buildCluster(numSlaves int, drop func(from int, datagram []byte) bool) (*mpipe.Multiplexer, []*mpipe.Multiplexer) {
	net := mpipe.NewFakeNetwork(drop)

	master, err := mpipe.NewWithTransport(mpipe.Config{Role: mpipe.RoleMaster, NumSlaves: uint32(numSlaves)}, net.NewTransport(0))
	Expect(err).NotTo(HaveOccurred())
	tune(master)

	slaves := make([]*mpipe.Multiplexer, numSlaves)
	for i := 0; i < numSlaves; i++ {
		slave, err := mpipe.NewWithTransport(mpipe.Config{Role: mpipe.RoleSlave, NodeIndex: uint32(i + 1), NumSlaves: uint32(numSlaves)}, net.NewTransport(i+1))
		Expect(err).NotTo(HaveOccurred())
		tune(slave)
		slaves[i] = slave
	}
	return master, slaves
}

func tune(m *mpipe.Multiplexer) {
	m.SetConnectionWaitTimeout(5 * time.Millisecond)
	m.SetBarrierWaitTimeout(5 * time.Millisecond)
	m.SetMasterMessageBurstSize(2)
	m.SetSlaveMessageBurstSize(2)
}

func closeAll(master *mpipe.Multiplexer, slaves []*mpipe.Multiplexer) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = master.Close(ctx)
	for _, s := range slaves {
		_ = s.Close(ctx)
	}
}

func allNodes(master *mpipe.Multiplexer, slaves []*mpipe.Multiplexer) []*mpipe.Multiplexer {
	return append([]*mpipe.Multiplexer{master}, slaves...)
}

var _ = Describe("Barrier", func() {
	It("completes on every node exactly once, even with heavy control-message loss", func() {
		var counter atomic.Int64
		dropHalf := func(_ int, _ []byte) bool { return counter.Add(1)%2 == 0 }

		master, slaves := buildCluster(3, dropHalf)
		defer closeAll(master, slaves)
		nodes := allNodes(master, slaves)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pipes := make([]*mpipe.Pipe, len(nodes))
		var wg sync.WaitGroup
		for i, n := range nodes {
			i, n := i, n
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := n.OpenPipe(ctx)
				Expect(err).NotTo(HaveOccurred())
				pipes[i] = p
			}()
		}
		wg.Wait()

		barrierErrs := make([]error, len(nodes))
		for i, p := range pipes {
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				barrierErrs[i] = p.Barrier(ctx)
			}()
		}
		wg.Wait()

		for _, err := range barrierErrs {
			Expect(err).NotTo(HaveOccurred())
		}

		// A second barrier must also complete: the first barrier's
		// bookkeeping must not have left any node stuck on a stale
		// generation.
		for i, p := range pipes {
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				barrierErrs[i] = p.Barrier(ctx)
			}()
		}
		wg.Wait()
		for _, err := range barrierErrs {
			Expect(err).NotTo(HaveOccurred())
		}
	})
})

var _ = Describe("Gather", func() {
	It("returns the same reduced value to every node regardless of message loss", func() {
		var counter atomic.Int64
		dropSome := func(_ int, _ []byte) bool { return counter.Add(1)%4 == 0 }

		master, slaves := buildCluster(2, dropSome)
		defer closeAll(master, slaves)
		nodes := allNodes(master, slaves)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pipes := make([]*mpipe.Pipe, len(nodes))
		var wg sync.WaitGroup
		for i, n := range nodes {
			i, n := i, n
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := n.OpenPipe(ctx)
				Expect(err).NotTo(HaveOccurred())
				pipes[i] = p
			}()
		}
		wg.Wait()

		values := []uint32{3, 5, 7}
		results := make([]uint32, len(nodes))
		errs := make([]error, len(nodes))
		for i, p := range pipes {
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = p.Gather(ctx, values[i], mpipe.GatherMax)
			}()
		}
		wg.Wait()

		for i, err := range errs {
			Expect(err).NotTo(HaveOccurred(), "node %d", i)
		}
		for i, r := range results {
			Expect(r).To(Equal(uint32(7)), "node %d", i)
		}
	})

	It("reduces AND/OR as logical-over-nonzero, not bitwise", func() {
		master, slaves := buildCluster(1, nil)
		defer closeAll(master, slaves)
		nodes := allNodes(master, slaves)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pipes := make([]*mpipe.Pipe, len(nodes))
		var wg sync.WaitGroup
		for i, n := range nodes {
			i, n := i, n
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := n.OpenPipe(ctx)
				Expect(err).NotTo(HaveOccurred())
				pipes[i] = p
			}()
		}
		wg.Wait()

		// 4 & 2 == 0 bitwise, but both are nonzero, so logical AND is 1.
		andValues := []uint32{4, 2}
		andResults := make([]uint32, len(nodes))
		andErrs := make([]error, len(nodes))
		for i, p := range pipes {
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				andResults[i], andErrs[i] = p.Gather(ctx, andValues[i], mpipe.GatherAnd)
			}()
		}
		wg.Wait()
		for i, err := range andErrs {
			Expect(err).NotTo(HaveOccurred(), "node %d", i)
		}
		for i, r := range andResults {
			Expect(r).To(Equal(uint32(1)), "node %d", i)
		}

		// 0 | 0 == 0, confirming OR over all-zero contributions stays 0.
		orValues := []uint32{0, 0}
		orResults := make([]uint32, len(nodes))
		orErrs := make([]error, len(nodes))
		for i, p := range pipes {
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				orResults[i], orErrs[i] = p.Gather(ctx, orValues[i], mpipe.GatherOr)
			}()
		}
		wg.Wait()
		for i, err := range orErrs {
			Expect(err).NotTo(HaveOccurred(), "node %d", i)
		}
		for i, r := range orResults {
			Expect(r).To(Equal(uint32(0)), "node %d", i)
		}
	})
})

var _ = Describe("OpenPipe", func() {
	It("is idempotent when a slave resends CREATEPIPE after the master's reply is lost", func() {
		var counter atomic.Int64
		dropMasterRepliesOccasionally := func(from int, _ []byte) bool {
			if from != 0 {
				return false
			}
			return counter.Add(1)%2 == 0
		}

		master, slaves := buildCluster(1, dropMasterRepliesOccasionally)
		defer closeAll(master, slaves)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var wg sync.WaitGroup
		var masterPipe, slavePipe *mpipe.Pipe
		wg.Add(2)
		go func() {
			defer wg.Done()
			p, err := master.OpenPipe(ctx)
			Expect(err).NotTo(HaveOccurred())
			masterPipe = p
		}()
		go func() {
			defer wg.Done()
			p, err := slaves[0].OpenPipe(ctx)
			Expect(err).NotTo(HaveOccurred())
			slavePipe = p
		}()
		wg.Wait()

		Expect(masterPipe.ID()).To(Equal(slavePipe.ID()))
	})
})
