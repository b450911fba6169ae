// Package dbft implements the delegated Byzantine fault tolerant
// bookkeeper. A fixed set of nodes runs leader-based rounds: the speaker
// for the current view proposes a block, delegates validate it, and a
// strict two-thirds supermajority of approvals publishes it. Failed views
// time out exponentially and rotate the speaker. Finality is immediate:
// once published, a block is never reorganized.
package dbft

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/bus"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/database"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/mempool"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/signature"
	"go.uber.org/zap"
)

// How long listening loops sleep between queue and pool probes.
const pollInterval = 5 * time.Millisecond

// Caps the exponential view timeout shift so it cannot overflow.
const maxTimeoutShift = 30

// =============================================================================

// Round is the slot shared by every bookkeeper for one consensus round: the
// speaker publishes its proposal here, and the first node to observe a
// quorum publishes the full block.
type Round struct {
	mu           sync.Mutex
	proposalTxs  []database.Tx
	proposalHash string
	fullBlock    database.Block
}

// NewRound constructs the shared round slot.
func NewRound() *Round {
	return &Round{}
}

// SetProposal records the speaker's proposal.
func (r *Round) SetProposal(txs []database.Tx, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.proposalTxs = append([]database.Tx(nil), txs...)
	r.proposalHash = hash
}

// Proposal returns the current proposal's transactions and claimed hash.
func (r *Round) Proposal() ([]database.Tx, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txs := append([]database.Tx(nil), r.proposalTxs...)
	return txs, r.proposalHash
}

// PublishOnce installs the block returned by build unless the slot already
// holds a block matching the current proposal, reporting whether this
// caller was the publisher.
func (r *Round) PublishOnce(build func() (database.Block, error)) (database.Block, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.proposalHash != "" && r.fullBlock.Hash == r.proposalHash {
		return r.fullBlock, false, nil
	}

	b, err := build()
	if err != nil {
		return database.Block{}, false, err
	}

	r.fullBlock = b
	return b, true, nil
}

// FullBlock returns the most recently published block.
func (r *Round) FullBlock() database.Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fullBlock
}

// =============================================================================

// Config represents the settings required to construct a bookkeeper.
type Config struct {
	ID            int
	Nodes         int
	Log           *zap.SugaredLogger
	Mempool       *mempool.Mempool
	Bus           *bus.Bus
	Round         *Round
	BlockSize     int
	BlockTime     time.Duration
	RandomSpeaker bool
	Responsive    bool
	Honest        bool
}

// Node is one bookkeeper. Exported accessors are safe for concurrent use by
// the monitor and web handlers; the consensus loop runs on a single
// goroutine owned by Run.
type Node struct {
	id            int
	nodes         int
	log           *zap.SugaredLogger
	mempool       *mempool.Mempool
	bus           *bus.Bus
	queue         *bus.Queue
	shared        *Round
	blockSize     int
	blockTime     time.Duration
	randomSpeaker bool
	responsive    bool
	honest        bool

	rng       *rand.Rand
	cursor    int
	memory    map[uint32]database.Tx
	viewStart int64

	mu       sync.RWMutex
	chain    []database.Block
	height   int
	view     int
	speaker  bool
	activity string
}

// New constructs a bookkeeper with its genesis block in place.
func New(cfg Config) (*Node, error) {
	if cfg.Bus == nil || cfg.Mempool == nil || cfg.Round == nil {
		return nil, fmt.Errorf("bookkeeper %d: bus, mempool, and round are required", cfg.ID)
	}

	genesis, err := database.NewSealedGenesis()
	if err != nil {
		return nil, fmt.Errorf("sealing genesis: %w", err)
	}

	n := Node{
		id:            cfg.ID,
		nodes:         cfg.Nodes,
		log:           cfg.Log,
		mempool:       cfg.Mempool,
		bus:           cfg.Bus,
		queue:         cfg.Bus.Queue(cfg.ID),
		shared:        cfg.Round,
		blockSize:     cfg.BlockSize,
		blockTime:     cfg.BlockTime,
		randomSpeaker: cfg.RandomSpeaker,
		responsive:    cfg.Responsive,
		honest:        cfg.Honest,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
		memory:        make(map[uint32]database.Tx),
		chain:         []database.Block{genesis},
		height:        0,
	}

	return &n, nil
}

// Run executes consensus rounds until the context is canceled. An
// unresponsive node simply parks, which is its entire fault model.
func (n *Node) Run(ctx context.Context) {
	n.setActivity("NONE")

	if !n.responsive {
		<-ctx.Done()
		return
	}

	for ctx.Err() == nil {
		n.runRound(ctx)
	}
}

// =============================================================================

// runRound drives views until a block for the current height reaches
// consensus.
func (n *Node) runRound(ctx context.Context) {
	n.setActivity("INITIALISING ROUND")
	n.setView(0)

	for ctx.Err() == nil {
		n.viewStart = time.Now().UnixMilli()
		speaker := n.electSpeaker()

		n.wait(ctx, speaker)
		if ctx.Err() != nil {
			return
		}

		if speaker {
			n.proposeBlock()
		} else if !n.timedOut() {
			n.validateProposal()
		}

		if n.collectResponses(ctx) {
			return
		}

		n.setView(n.View() + 1)
	}
}

// electSpeaker determines whether this node speaks for the current
// (height, view) pair and records the flag for display.
func (n *Node) electSpeaker() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	var s int
	if n.randomSpeaker {
		s = speakerFor(n.height, n.view, n.nodes)
	} else {
		s = ((n.height-n.view)%n.nodes + n.nodes) % n.nodes
	}

	n.speaker = s == n.id
	return n.speaker
}

// speakerFor derives the speaker for a (height, view) pair from a digest,
// so every node computes the same answer with no shared state.
func speakerFor(height int, view int, nodes int) int {
	digest := signature.Hash(strconv.Itoa(height) + ":" + strconv.Itoa(view))
	v, _ := strconv.ParseUint(digest[:8], 16, 64)
	return int(v % uint64(nodes))
}

// wait is the listening phase. The speaker absorbs transactions for a full
// block time; delegates absorb until a current message arrives or the view
// times out.
func (n *Node) wait(ctx context.Context, speaker bool) {
	n.setActivity("MONITORING NETWORK")

	if speaker {
		deadline := time.Now().Add(n.blockTime)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			if !n.absorb() {
				time.Sleep(pollInterval)
			}
		}
		return
	}

	for ctx.Err() == nil {
		if n.queue.Len() > 0 && n.filterMessage() {
			return
		}
		if n.timedOut() {
			return
		}
		if !n.absorb() {
			time.Sleep(pollInterval)
		}
	}
}

// absorb copies the next pool transaction into local memory, reporting
// whether one was available.
func (n *Node) absorb() bool {
	tx, ok := n.mempool.Receive(&n.cursor)
	if !ok {
		return false
	}

	n.memory[tx.ID] = tx
	return true
}

// filterMessage inspects the head of the queue, discarding messages from
// nodes still working at an old height or view.
func (n *Node) filterMessage() bool {
	msg, ok := n.queue.PeekFront()
	if !ok {
		return false
	}

	if msg.Height < n.Height() || (msg.Height == n.Height() && msg.View < n.View()) {
		n.queue.PopFront()
		return false
	}

	return true
}

// timedOut reports whether the view has exceeded its exponential budget.
func (n *Node) timedOut() bool {
	shift := uint(n.View()) + 1
	if shift > maxTimeoutShift {
		shift = maxTimeoutShift
	}
	budget := time.Duration(1<<shift) * n.blockTime

	elapsed := time.Duration(time.Now().UnixMilli()-n.viewStart) * time.Millisecond
	return elapsed > budget
}

// proposeBlock samples transactions from local memory and publishes a
// proposal. A dishonest speaker claims an empty hash, which every honest
// delegate will reject.
func (n *Node) proposeBlock() {
	n.setActivity("PUBLISHING PROPOSAL")

	txs := n.sampleTransactions()

	hash := ""
	if n.honest && len(txs) > 0 {
		if b, err := database.NewSealedBlock(n.TipHash(), txs); err == nil {
			hash = b.Hash
		}
	}

	n.shared.SetProposal(txs, hash)
	n.broadcast(bus.PrepareRequest)
}

// sampleTransactions picks up to a block's worth of distinct transactions
// from local memory.
func (n *Node) sampleTransactions() []database.Tx {
	ids := make([]uint32, 0, len(n.memory))
	for id := range n.memory {
		ids = append(ids, id)
	}
	n.rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})

	if len(ids) > n.blockSize {
		ids = ids[:n.blockSize]
	}

	txs := make([]database.Tx, 0, len(ids))
	for _, id := range ids {
		txs = append(txs, n.memory[id])
	}

	return txs
}

// validateProposal checks the speaker's claimed hash against a block built
// on the local tip and votes accordingly. A dishonest delegate inverts its
// vote.
func (n *Node) validateProposal() {
	n.setActivity("VALIDATING PROPOSAL")

	txs, hash := n.shared.Proposal()

	approve := false
	if msg, ok := n.queue.PeekFront(); ok && msg.Kind == bus.PrepareRequest && len(txs) > 0 {
		if b, err := database.NewSealedBlock(n.TipHash(), txs); err == nil && b.Hash == hash {
			approve = true
		}
	}

	if !n.honest {
		approve = !approve
	}

	if approve {
		n.broadcast(bus.PrepareResponse)
		return
	}
	n.broadcast(bus.ChangeView)
}

// broadcast sends a message for the current (height, view) to every
// bookkeeper, this node included: the copy to self is how a node's own vote
// enters its tally.
func (n *Node) broadcast(kind bus.Kind) {
	n.setActivity("BROADCASTING MESSAGE")

	msg := bus.Message{Kind: kind, Sender: n.id, Height: n.Height(), View: n.View()}
	for i := 0; i < n.nodes; i++ {
		n.bus.Send(i, msg)
	}
}

// collectResponses tallies votes for the current (height, view). Each
// sender counts at most once per category, though an approver may later
// also register a view change; progression still requires a strict
// supermajority, which preserves safety. Returns true when consensus was
// reached for this height.
func (n *Node) collectResponses(ctx context.Context) bool {
	n.setActivity("RECEIVING RESPONSES")

	approvals := make([]bool, n.nodes)
	rejections := make([]bool, n.nodes)
	var nApprove, nReject int

	for nApprove+nReject < n.nodes {
		if ctx.Err() != nil {
			return false
		}

		msg, ok := n.queue.PeekFront()
		if !ok {
			if n.timedOut() {
				n.broadcast(bus.ChangeView)
				return false
			}
			time.Sleep(pollInterval)
			continue
		}

		if msg.Height == n.Height() && msg.View == n.View() {
			switch msg.Kind {

			// The speaker backs its own proposal.
			case bus.PrepareRequest, bus.PrepareResponse:
				if msg.Sender >= 0 && msg.Sender < n.nodes && !approvals[msg.Sender] {
					approvals[msg.Sender] = true
					nApprove++
				}

			case bus.ChangeView:
				if msg.Sender >= 0 && msg.Sender < n.nodes && !rejections[msg.Sender] {
					rejections[msg.Sender] = true
					nReject++
				}

			// Another node already observed the quorum.
			case bus.BlockPublished:
				n.queue.PopFront()
				n.addBlock()
				return true
			}
		}

		// Every inspected message leaves the queue, foreign ones included.
		n.queue.PopFront()

		if 3*nApprove > 2*n.nodes {
			n.publishFullBlock()
			return true
		}
		if 3*nReject > 2*n.nodes {
			return false
		}
	}

	// Every vote arrived without a quorum in either direction.
	return false
}

// publishFullBlock builds the agreed block, installs it in the shared slot
// if no other node got there first, and appends it locally.
func (n *Node) publishFullBlock() {
	n.setActivity("PUBLISHING BLOCK")

	txs, _ := n.shared.Proposal()
	tip := n.TipHash()

	_, published, err := n.shared.PublishOnce(func() (database.Block, error) {
		return database.NewSealedBlock(tip, txs)
	})
	if err != nil {
		n.log.Errorw("publishing block", "node", n.id, "ERROR", err)
		return
	}

	if published {
		n.broadcast(bus.BlockPublished)
	}

	n.addBlock()
}

// addBlock appends the published block. The speaker alone notifies the pool
// (finality means one caller suffices); every node forgets the block's
// transactions.
func (n *Node) addBlock() {
	n.setActivity("ADDING BLOCK")

	b := n.shared.FullBlock()
	txs, _ := n.shared.Proposal()

	n.mu.Lock()
	n.height++
	n.chain = append(n.chain, b)
	speaker := n.speaker
	height := n.height
	n.mu.Unlock()

	if speaker {
		ids := make([]uint32, len(txs))
		for i, tx := range txs {
			ids[i] = tx.ID
		}
		n.mempool.Confirm(ids)
	}

	for _, tx := range txs {
		delete(n.memory, tx.ID)
	}

	n.log.Infow("block added", "node", n.id, "height", height, "hash", b.Hash)
}

// =============================================================================

// ID returns the node's identifier.
func (n *Node) ID() int {
	return n.id
}

// Height returns the height the node is working at. Genesis is height 0,
// so this equals chain length minus one.
func (n *Node) Height() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.height
}

// View returns the current view within the round.
func (n *Node) View() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.view
}

// IsSpeaker reports whether the node spoke for its latest view.
func (n *Node) IsSpeaker() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.speaker
}

// Responsive reports whether the node participates at all.
func (n *Node) Responsive() bool {
	return n.responsive
}

// Honest reports whether the node follows the protocol.
func (n *Node) Honest() bool {
	return n.honest
}

// TipHash returns the hash of the latest block.
func (n *Node) TipHash() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.chain[len(n.chain)-1].Hash
}

// Activity returns the node's current activity label.
func (n *Node) Activity() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.activity
}

// Chain returns a copy of the local chain.
func (n *Node) Chain() []database.Block {
	n.mu.RLock()
	defer n.mu.RUnlock()

	chain := make([]database.Block, len(n.chain))
	copy(chain, n.chain)
	return chain
}

// QueueKinds returns the kinds of the node's queued messages.
func (n *Node) QueueKinds() []bus.Kind {
	return n.queue.Kinds()
}

func (n *Node) setActivity(activity string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.activity = activity
}

func (n *Node) setView(view int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.view = view
}
