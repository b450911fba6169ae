package dbft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/bus"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/database"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/mempool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type cluster struct {
	bus     *bus.Bus
	mempool *mempool.Mempool
	round   *Round
	nodes   []*Node
}

func newCluster(t *testing.T, size int, unresponsive int, malicious int, blockTime time.Duration) *cluster {
	t.Helper()

	c := cluster{
		bus:   bus.New(size),
		round: NewRound(),
	}
	c.mempool = mempool.New(mempool.Config{
		Log:        zap.NewNop().Sugar(),
		Threshold:  1,
		RecentSize: 20,
		ClaimRetry: time.Millisecond,
	})

	for i := 0; i < size; i++ {
		n, err := New(Config{
			ID:         i,
			Nodes:      size,
			Log:        zap.NewNop().Sugar(),
			Mempool:    c.mempool,
			Bus:        c.bus,
			Round:      c.round,
			BlockSize:  2,
			BlockTime:  blockTime,
			Responsive: i >= unresponsive,
			Honest:     i < size-malicious,
		})
		require.NoError(t, err)
		c.nodes = append(c.nodes, n)
	}

	return &c
}

func TestGenesisAgreement(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)

	// Sealed genesis blocks are byte-identical across nodes.
	for _, n := range c.nodes[1:] {
		assert.Equal(t, c.nodes[0].TipHash(), n.TipHash())
	}
	assert.Equal(t, 0, c.nodes[0].Height())
}

func TestSpeakerForDeterminism(t *testing.T) {
	for h := 0; h < 10; h++ {
		for v := 0; v < 4; v++ {
			s := speakerFor(h, v, 4)
			assert.GreaterOrEqual(t, s, 0)
			assert.Less(t, s, 4)
			assert.Equal(t, s, speakerFor(h, v, 4))
		}
	}
}

// The rotational rule elects exactly one speaker per view, including views
// larger than the height.
func TestElectSpeakerRotational(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)

	for view := 0; view < 9; view++ {
		speakers := 0
		for _, n := range c.nodes {
			n.setView(view)
			if n.electSpeaker() {
				speakers++
			}
		}
		assert.Equal(t, 1, speakers, "view %d", view)
	}
}

func TestFilterMessage(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)
	n := c.nodes[0]
	n.setView(2)

	// A message for an old view at the current height is dropped.
	c.bus.Send(0, bus.Message{Kind: bus.PrepareRequest, Sender: 1, Height: 0, View: 1})
	assert.False(t, n.filterMessage())
	assert.Zero(t, n.queue.Len())

	// A message for an old height is dropped.
	c.bus.Send(0, bus.Message{Kind: bus.PrepareRequest, Sender: 1, Height: -1, View: 2})
	assert.False(t, n.filterMessage())
	assert.Zero(t, n.queue.Len())

	// A current message passes and stays queued.
	c.bus.Send(0, bus.Message{Kind: bus.PrepareRequest, Sender: 1, Height: 0, View: 2})
	assert.True(t, n.filterMessage())
	assert.Equal(t, 1, n.queue.Len())
}

func TestValidateProposal(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)
	speaker, delegate := c.nodes[0], c.nodes[1]

	// An honest speaker's proposal earns a PrepareResponse.
	for i := 0; i < 3; i++ {
		speaker.memory[uint32(i)] = database.NewTx(uint32(i), 1, 1)
	}
	speaker.electSpeaker()
	speaker.proposeBlock()

	require.True(t, delegate.filterMessage())
	delegate.validateProposal()

	msg, ok := delegate.queue.PopWhere(func(m bus.Message) bool { return m.Sender == 1 })
	require.True(t, ok)
	assert.Equal(t, bus.PrepareResponse, msg.Kind)

	// An empty-hash proposal (malicious speaker) earns a ChangeView.
	txs, _ := c.round.Proposal()
	c.round.SetProposal(txs, "")
	delegate.validateProposal()

	msgs := 0
	for {
		m, ok := delegate.queue.PopWhere(func(m bus.Message) bool { return m.Sender == 1 })
		if !ok {
			break
		}
		assert.Equal(t, bus.ChangeView, m.Kind)
		msgs++
	}
	assert.Equal(t, 1, msgs)
}

// A dishonest delegate inverts its vote on a valid proposal.
func TestMaliciousDelegateInverts(t *testing.T) {
	c := newCluster(t, 4, 0, 1, time.Second)
	speaker, malicious := c.nodes[0], c.nodes[3]

	speaker.memory[0] = database.NewTx(0, 1, 1)
	speaker.electSpeaker()
	speaker.proposeBlock()

	malicious.validateProposal()

	msg, ok := malicious.queue.PopWhere(func(m bus.Message) bool { return m.Sender == 3 })
	require.True(t, ok)
	assert.Equal(t, bus.ChangeView, msg.Kind)
}

// Three approvals out of four cross the strict two-thirds threshold: the
// observer publishes the full block and appends it.
func TestCollectResponsesQuorum(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)
	n := c.nodes[1]
	n.viewStart = time.Now().UnixMilli()

	txs := []database.Tx{database.NewTx(0, 1, 1), database.NewTx(1, 1, 1)}
	proposal, err := database.NewSealedBlock(n.TipHash(), txs)
	require.NoError(t, err)
	c.round.SetProposal(txs, proposal.Hash)

	c.bus.Send(1, bus.Message{Kind: bus.PrepareRequest, Sender: 0, Height: 0, View: 0})
	c.bus.Send(1, bus.Message{Kind: bus.PrepareResponse, Sender: 2, Height: 0, View: 0})
	c.bus.Send(1, bus.Message{Kind: bus.PrepareResponse, Sender: 3, Height: 0, View: 0})

	require.True(t, n.collectResponses(context.Background()))

	assert.Equal(t, 1, n.Height())
	assert.Equal(t, proposal.Hash, n.TipHash())

	// The publisher announced the block to every queue, its own included.
	msg, ok := c.bus.Queue(0).PopWhere(func(m bus.Message) bool { return m.Kind == bus.BlockPublished })
	require.True(t, ok)
	assert.Equal(t, 1, msg.Sender)
}

// Duplicate votes from one sender count once; a supermajority of rejections
// fails the view.
func TestCollectResponsesRejections(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)
	n := c.nodes[0]
	n.viewStart = time.Now().UnixMilli()

	c.bus.Send(0, bus.Message{Kind: bus.ChangeView, Sender: 1, Height: 0, View: 0})
	c.bus.Send(0, bus.Message{Kind: bus.ChangeView, Sender: 1, Height: 0, View: 0})
	c.bus.Send(0, bus.Message{Kind: bus.ChangeView, Sender: 2, Height: 0, View: 0})
	c.bus.Send(0, bus.Message{Kind: bus.ChangeView, Sender: 3, Height: 0, View: 0})
	c.bus.Send(0, bus.Message{Kind: bus.PrepareResponse, Sender: 0, Height: 0, View: 0})

	require.False(t, n.collectResponses(context.Background()))
	assert.Equal(t, 0, n.Height())
}

// Messages for another (height, view) are deleted without affecting the
// tally.
func TestCollectResponsesIgnoresForeignViews(t *testing.T) {
	c := newCluster(t, 4, 0, 0, 50*time.Millisecond)
	n := c.nodes[0]
	n.viewStart = time.Now().UnixMilli()

	c.bus.Send(0, bus.Message{Kind: bus.PrepareResponse, Sender: 1, Height: 0, View: 3})
	c.bus.Send(0, bus.Message{Kind: bus.PrepareResponse, Sender: 2, Height: 5, View: 0})

	// With nothing current, the view times out and a ChangeView goes out.
	require.False(t, n.collectResponses(context.Background()))

	m, ok := n.queue.PopWhere(func(m bus.Message) bool { return m.Kind != bus.ChangeView })
	assert.False(t, ok, "unexpected queued message %v", m.Kind)

	msg, ok := c.bus.Queue(1).PopWhere(func(m bus.Message) bool { return m.Kind == bus.ChangeView })
	require.True(t, ok)
	assert.Equal(t, 0, msg.Sender)
}

// A block published by another node is adopted mid-collection.
func TestCollectResponsesBlockPublished(t *testing.T) {
	c := newCluster(t, 4, 0, 0, time.Second)
	publisher, follower := c.nodes[1], c.nodes[2]
	publisher.viewStart = time.Now().UnixMilli()
	follower.viewStart = time.Now().UnixMilli()

	txs := []database.Tx{database.NewTx(0, 1, 1), database.NewTx(1, 1, 1)}
	proposal, err := database.NewSealedBlock(publisher.TipHash(), txs)
	require.NoError(t, err)
	c.round.SetProposal(txs, proposal.Hash)

	for _, sender := range []int{0, 2, 3} {
		kind := bus.PrepareResponse
		if sender == 0 {
			kind = bus.PrepareRequest
		}
		c.bus.Send(1, bus.Message{Kind: kind, Sender: sender, Height: 0, View: 0})
	}
	require.True(t, publisher.collectResponses(context.Background()))

	require.True(t, follower.collectResponses(context.Background()))
	assert.Equal(t, publisher.TipHash(), follower.TipHash())
	assert.Equal(t, 1, follower.Height())
}

// With every node honest and responsive, all chains grow and agree.
func TestHonestClusterRun(t *testing.T) {
	c := newCluster(t, 4, 0, 0, 100*time.Millisecond)

	for i := 0; i < 60; i++ {
		c.mempool.Append()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Run(ctx)
		}(n)
	}
	wg.Wait()

	min := c.nodes[0].Height()
	for _, n := range c.nodes {
		require.Greater(t, n.Height(), 0, "node %d made no progress", n.ID())
		if n.Height() < min {
			min = n.Height()
		}
	}

	// Finality: every node holds the identical block at every shared height.
	chains := make([][]database.Block, len(c.nodes))
	for i, n := range c.nodes {
		chains[i] = n.Chain()
	}
	for h := 0; h <= min; h++ {
		for i := 1; i < len(chains); i++ {
			assert.Equal(t, chains[0][h].Hash, chains[i][h].Hash, "height %d", h)
		}
	}
}

// One malicious node out of four stays under the Byzantine limit: the
// honest supermajority keeps publishing blocks.
func TestSingleMaliciousNodeProgresses(t *testing.T) {
	c := newCluster(t, 4, 0, 1, 100*time.Millisecond)

	for i := 0; i < 60; i++ {
		c.mempool.Append()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Run(ctx)
		}(n)
	}
	wg.Wait()

	for _, n := range c.nodes {
		assert.Greater(t, n.Height(), 0, "node %d made no progress", n.ID())
	}
}

// Two malicious nodes out of four exceed the Byzantine limit: no quorum can
// form in either direction and the chain halts at genesis.
func TestByzantineLimitHalts(t *testing.T) {
	c := newCluster(t, 4, 0, 2, 50*time.Millisecond)

	for i := 0; i < 30; i++ {
		c.mempool.Append()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Run(ctx)
		}(n)
	}
	wg.Wait()

	for _, n := range c.nodes {
		assert.Equal(t, 0, n.Height(), "node %d appended despite the fault limit", n.ID())
	}
}

// An unresponsive speaker forces a view change; the next view's speaker
// finalizes a block.
func TestViewChangeOnSilentSpeaker(t *testing.T) {
	c := newCluster(t, 4, 1, 0, 50*time.Millisecond)

	for i := 0; i < 30; i++ {
		c.mempool.Append()
	}

	// Node 0 speaks for (height 0, view 0) under rotation but is
	// unresponsive.
	require.False(t, c.nodes[0].Responsive())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Run(ctx)
		}(n)
	}
	wg.Wait()

	for _, n := range c.nodes[1:] {
		assert.Greater(t, n.Height(), 0, "node %d made no progress", n.ID())
	}
	assert.Equal(t, 0, c.nodes[0].Height())
}
