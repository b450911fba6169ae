// Package pow implements the proof-of-work miner. A population of miners
// races to extend a shared chain: each claims transactions, searches for a
// nonce, and publishes its solution. Competing solutions fork the chain
// briefly; the synchronization path walks back to a common ancestor and
// copies the winner over, with first-seen blocks winning ties.
package pow

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/bus"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/database"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/mempool"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/signature"
	"go.uber.org/zap"
)

// How long the synchronization wait loop sleeps between queue probes.
const pollInterval = time.Millisecond

// Config represents the settings required to construct a miner.
type Config struct {
	ID                  int
	Log                 *zap.SugaredLogger
	Mempool             *mempool.Mempool
	Bus                 *bus.Bus
	BlockSize           int
	BlockTime           time.Duration
	InitialDifficulty   int
	AdjustmentFrequency int
	ConfirmationDepth   int
	SyncFrequency       int
	SyncThreshold       int
	BinaryHash          bool
}

// Node is one miner. All exported accessors are safe for concurrent use by
// the monitor and the web handlers; the mining loop itself runs on a single
// goroutine owned by Run.
type Node struct {
	id                  int
	log                 *zap.SugaredLogger
	mempool             *mempool.Mempool
	bus                 *bus.Bus
	queue               *bus.Queue
	blockSize           int
	blockTime           time.Duration
	adjustmentFrequency int
	confirmationDepth   int
	syncFrequency       int
	syncThreshold       int
	binaryHash          bool

	mu         sync.RWMutex
	chain      []database.Block
	difficulty int
	activity   string
}

// New constructs a miner ready to run.
func New(cfg Config) (*Node, error) {
	if cfg.Bus == nil || cfg.Mempool == nil {
		return nil, fmt.Errorf("miner %d: bus and mempool are required", cfg.ID)
	}

	n := Node{
		id:                  cfg.ID,
		log:                 cfg.Log,
		mempool:             cfg.Mempool,
		bus:                 cfg.Bus,
		queue:               cfg.Bus.Queue(cfg.ID),
		blockSize:           cfg.BlockSize,
		blockTime:           cfg.BlockTime,
		adjustmentFrequency: cfg.AdjustmentFrequency,
		confirmationDepth:   cfg.ConfirmationDepth,
		syncFrequency:       cfg.SyncFrequency,
		syncThreshold:       cfg.SyncThreshold,
		binaryHash:          cfg.BinaryHash,
		difficulty:          cfg.InitialDifficulty,
	}

	return &n, nil
}

// Run mines blocks until the context is canceled.
func (n *Node) Run(ctx context.Context) {
	for ctx.Err() == nil {
		n.mine(ctx)
	}
}

// =============================================================================

// mine executes one round: claim transactions, search for a nonce until
// interrupted by a message, then handle whatever interrupted it.
func (n *Node) mine(ctx context.Context) {

	// The chain starts with a locally mined genesis block.
	if n.Height() == 0 {
		genesis, err := database.NewGenesis(ctx, n.CurrentDifficulty(), n.binaryHash)
		if err != nil {
			return
		}

		n.mu.Lock()
		n.chain = append(n.chain, genesis)
		n.mu.Unlock()

		n.log.Infow("genesis mined", "node", n.id, "hash", genesis.Hash)
		return
	}

	for ctx.Err() == nil {
		txs, ok := n.getTransactions(ctx)
		if !ok {
			return
		}

		n.setActivity("MINING")
		candidate, err := database.NewBlock(n.TipHash(), txs, n.CurrentDifficulty())
		if err != nil {
			n.dropTransactions(txs)
			n.log.Errorw("building candidate", "node", n.id, "ERROR", err)
			return
		}

		// Search nonces until a solution appears or a message preempts the
		// round.
		mined := false
		for n.queue.Len() == 0 {
			if ctx.Err() != nil {
				n.dropTransactions(txs)
				return
			}
			if candidate.Mine(n.binaryHash) {
				n.addBlock(ctx, candidate, n.Height())
				n.notifyPeers()
				mined = true
				break
			}
		}
		if mined {
			continue
		}

		// Preempted: put the claimed transactions back and deal with the
		// message.
		n.dropTransactions(txs)
		break
	}

	msg, ok := n.queue.PopFront()
	if !ok {
		return
	}

	switch msg.Kind {
	case bus.BlockFound:
		n.synchronize(ctx, msg.Sender, msg.Height)
	case bus.RequestBlock:
		n.sendBlock(msg.Sender, msg.Height)
	}
}

// getTransactions claims a block's worth of distinct transactions from the
// pool, blocking until enough exist.
func (n *Node) getTransactions(ctx context.Context) ([]database.Tx, bool) {
	n.setActivity("GETTING TRANSACTIONS")

	txs := make([]database.Tx, 0, n.blockSize)
	for len(txs) < n.blockSize {
		tx, ok := n.mempool.ClaimRandom(ctx)
		if !ok {
			n.dropTransactions(txs)
			return nil, false
		}
		txs = append(txs, tx)
	}

	return txs, true
}

// dropTransactions releases claimed transactions so other miners can pick
// them up.
func (n *Node) dropTransactions(txs []database.Tx) {
	n.setActivity("DROPPING TRANSACTIONS")

	for i := len(txs) - 1; i >= 0; i-- {
		n.mempool.Release(txs[i].ID)
	}
}

// addBlock places a block at the specified height, appending or overwriting
// a fork. Side effects follow: confirmation emission at depth, difficulty
// adjustment, and the periodic partition check.
func (n *Node) addBlock(ctx context.Context, b database.Block, height int) {
	n.setActivity("ADDING BLOCK")

	n.mu.Lock()
	switch {
	case height == len(n.chain):
		n.chain = append(n.chain, b)
	case height < len(n.chain):
		n.chain[height] = b
	default:
		n.mu.Unlock()
		return
	}

	// Transactions buried deep enough are treated as immutable.
	var confirmIDs []uint32
	if size := len(n.chain); size > n.confirmationDepth {
		confirmIDs = n.chain[size-n.confirmationDepth].TransactionIDs()
	}
	n.mu.Unlock()

	if confirmIDs != nil {
		n.mempool.Confirm(confirmIDs)
	}

	if height > 0 && height%n.adjustmentFrequency == 0 {
		n.adjustDifficulty()
	}
	if height > 0 && height%n.syncFrequency == 0 {
		n.checkPartition(ctx, n.id+1)
	}

	n.log.Debugw("block added", "node", n.id, "height", height, "hash", b.Hash)
}

// notifyPeers announces a freshly mined block. The sends are independent,
// so peers may briefly observe different tips; that window is what lets
// forks occur and heal.
func (n *Node) notifyPeers() {
	n.setActivity("PUBLISHING BLOCK")

	height := n.Height() - 1
	for i := n.bus.Nodes() - 1; i >= 0; i-- {
		if i == n.id {
			continue
		}
		n.bus.Send(i, bus.Message{Kind: bus.BlockFound, Sender: n.id, Height: height})
	}
}

// adjustDifficulty recomputes the difficulty from the mean spacing of the
// last adjustment window. Nodes with the same chain calculate the same
// value independently.
func (n *Node) adjustDifficulty() {
	n.setActivity("CALCULATING DIFFICULTY")

	n.mu.Lock()
	defer n.mu.Unlock()

	size := len(n.chain)
	if size <= n.adjustmentFrequency {
		return
	}

	var total float64
	for i := n.adjustmentFrequency - 1; i > 0; i-- {
		total += float64(n.chain[size-i].TimeStamp - n.chain[size-i-1].TimeStamp)
	}
	mean := total / float64(n.adjustmentFrequency-1) / 1000

	if mean < n.blockTime.Seconds() {
		n.difficulty = n.chain[size-1].Difficulty + 1
	} else {
		n.difficulty = n.chain[size-1].Difficulty - 1
	}
	if n.difficulty < 0 {
		n.difficulty = 0
	}
}

// checkPartition compares the local height against the minimum a connected
// node should have reached by now. Falling short means this node is likely
// partitioned from the majority, so it synchronizes against a neighbour.
func (n *Node) checkPartition(ctx context.Context, neighbour int) {
	n.setActivity("CHECKING PARTITION")

	nodes := n.bus.Nodes()
	if nodes < 2 {
		return
	}

	// All neighbours have been tried once the index wraps back around.
	neighbour %= nodes
	if neighbour == n.id {
		return
	}

	n.mu.RLock()
	size := len(n.chain)
	genesisTime := n.chain[0].TimeStamp
	n.mu.RUnlock()

	age := float64(time.Now().UnixMilli()-genesisTime) / 1000
	expected := int(math.Floor(float64(100-n.syncThreshold) * 0.01 * (age / n.blockTime.Seconds())))

	if size < expected {
		n.synchronize(ctx, neighbour, expected)
	}
}

// requestBlock asks a peer for the block at the specified height.
func (n *Node) requestBlock(from int, height int) {
	n.setActivity("REQUESTING BLOCK")

	n.bus.Send(from, bus.Message{Kind: bus.RequestBlock, Sender: n.id, Height: height})
}

// sendBlock serves a peer's request, or reports the height unavailable.
func (n *Node) sendBlock(requester int, height int) {
	n.setActivity("SENDING BLOCK")

	n.mu.RLock()
	if height < 0 || height >= len(n.chain) {
		n.mu.RUnlock()
		n.bus.Send(requester, bus.Message{Kind: bus.BlockUnavailable, Sender: n.id, Height: height})
		return
	}
	b := n.chain[height]
	n.mu.RUnlock()

	n.bus.Send(requester, bus.Message{Kind: bus.BlockSent, Sender: n.id, Height: height, Block: &b})
}

// receiveBlock validates a block against the local chain at the specified
// height and adds it when the proof of work holds. Invalid blocks are
// silently dropped.
func (n *Node) receiveBlock(ctx context.Context, b database.Block, height int) {
	n.setActivity("VALIDATING BLOCK")

	if height < 1 || height > n.Height() {
		return
	}

	prev := n.blockHash(height - 1)
	hash := signature.Hash(prev + b.MerkleTree.RootHex() + strconv.FormatUint(b.Nonce, 10))
	if hash != b.Hash || !database.IsValid(hash, b.Difficulty, n.binaryHash) {
		return
	}

	n.addBlock(ctx, b, height)
}

// synchronize requests blocks downward from a peer until a common ancestor
// appears, then validates and applies the fetched suffix. Block requests
// arriving in the meantime are served; competing BlockFound announcements
// stay queued for later rounds.
func (n *Node) synchronize(ctx context.Context, peer int, height int) {
	n.setActivity("SYNCHRONIZING")

	// Heights the local chain already holds are ignored: below the tip there
	// is nothing new, and at the tip the first-seen block stands.
	if height < n.Height() {
		return
	}

	var blocks []database.Block
	for {
		n.requestBlock(peer, height)

		var reply bus.Message
		for {
			if ctx.Err() != nil {
				return
			}

			msg, ok := n.queue.PopWhere(func(m bus.Message) bool {
				return m.Kind == bus.RequestBlock || m.Kind == bus.BlockSent || m.Kind == bus.BlockUnavailable
			})
			if !ok {
				time.Sleep(pollInterval)
				continue
			}
			if msg.Kind == bus.RequestBlock {
				n.sendBlock(msg.Sender, msg.Height)
				continue
			}

			reply = msg
			break
		}

		// The peer is behind as well; try the next one.
		if reply.Kind == bus.BlockUnavailable {
			n.checkPartition(ctx, peer+1)
			return
		}

		if reply.Block == nil {
			return
		}
		b := *reply.Block
		blocks = append([]database.Block{b}, blocks...)

		// A fetched block whose parent matches the local chain is the
		// common ancestor's child; everything collected applies from here.
		if height >= 1 && height <= n.Height() && n.blockHash(height-1) == b.PrevBlockHash {
			break
		}

		height--
		if height < 0 {
			return
		}
	}

	for i, b := range blocks {
		n.receiveBlock(ctx, b, height+i)
	}

	n.log.Infow("synchronized", "node", n.id, "peer", peer, "height", n.Height()-1)
}

// =============================================================================

// ID returns the node's identifier.
func (n *Node) ID() int {
	return n.id
}

// Height returns the number of blocks in the local chain.
func (n *Node) Height() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.chain)
}

// TipHash returns the hash of the latest block, or a dash before genesis.
func (n *Node) TipHash() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(n.chain) == 0 {
		return "-"
	}
	return n.chain[len(n.chain)-1].Hash
}

// CurrentDifficulty returns the difficulty the next candidate block will
// be mined at.
func (n *Node) CurrentDifficulty() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.difficulty
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

func (n *Node) blockHash(height int) string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if height < 0 || height >= len(n.chain) {
		return ""
	}
	return n.chain[height].Hash
}
