// Package node implements the node service: peer table, message
// dispatch, gossip, template construction, and the background
// cleanup/save loops.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gochain/ironledger/pkg/chain"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/consensus"
	"github.com/gochain/ironledger/pkg/wire"
)

// Config holds the process-wide settings the CLI surface exposes.
type Config struct {
	ListenAddr     string
	BlockchainFile string
	BootstrapPeers []string
	OwnerIndexDir  string // empty disables the owner index accelerator
	MetricsAddr    string // empty disables the metrics HTTP endpoint
}

// Server is the node's process-wide state: the blockchain and the peer
// table, guarded by one mutex. peers holds only connections this node
// established itself through the dial/discovery bootstrap; it is the
// set DiscoverNodes answers with and gossip broadcasts to. Inbound
// connections (miners, wallets, peers dialing us) get a receive-loop
// but never enter it: gossiping an unsolicited new_block at a miner
// mid-request would be fatal to that miner's connection. All peer-table
// mutation goes through addPeer/removePeer under mu; chain mutation is
// serialized inside chain.Blockchain itself.
type Server struct {
	mu    sync.Mutex
	chain *chain.Blockchain
	peers map[string]net.Conn

	cfg     Config
	log     *zap.Logger
	index   *OwnerIndex
	metrics *Metrics

	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a server around an existing (possibly empty) chain.
func New(cfg Config, bc *chain.Blockchain, log *zap.Logger) *Server {
	return &Server{
		chain: bc,
		peers: make(map[string]net.Conn),
		cfg:   cfg,
		log:   log,
		stop:  make(chan struct{}),
	}
}

// Run executes the startup sequence and then blocks,
// accepting connections and running the cleanup/save background loops,
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.OwnerIndexDir != "" {
		idx, err := OpenOwnerIndex(s.cfg.OwnerIndexDir)
		if err != nil {
			return fmt.Errorf("node: opening owner index: %w", err)
		}
		s.index = idx
		defer idx.Close()
	}
	if s.cfg.MetricsAddr != "" {
		s.metrics = NewMetrics()
		go s.metrics.Serve(s.cfg.MetricsAddr, s.log)
	} else {
		s.metrics = NewMetrics()
	}

	s.dialBootstrapPeers()

	if _, err := os.Stat(s.cfg.BlockchainFile); err == nil {
		if err := s.chain.Load(s.cfg.BlockchainFile); err != nil {
			return fmt.Errorf("node: loading blockchain file: %w", err)
		}
		if err := s.chain.Rebuild(); err != nil {
			return fmt.Errorf("node: rebuilding utxos after load: %w", err)
		}
		s.chain.TryAdjustTarget()
		s.log.Info("loaded blockchain from disk", zap.String("path", s.cfg.BlockchainFile), zap.Int("height", s.chain.Height()))
	} else {
		if err := s.catchUpFromPeers(ctx); err != nil {
			s.log.Warn("catch-up from peers failed, starting as seed", zap.Error(err))
		}
	}
	s.rebuildOwnerIndex()

	// Bootstrap exchanges are finished; only now does each dialed peer
	// connection get its own receive-loop. Starting them any earlier
	// would race the catch-up round trips for reads on the same conn.
	s.mu.Lock()
	for addr, conn := range s.peers {
		go s.dispatch(addr, conn)
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: binding listener on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(3)
	go s.acceptLoop()
	go s.runEvery(30*time.Second, s.runCleanup)
	go s.runEvery(15*time.Second, s.runSave)

	<-ctx.Done()
	close(s.stop)
	ln.Close()
	s.closeAllPeers()
	s.wg.Wait()
	return nil
}

func (s *Server) runEvery(interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Server) runCleanup() {
	n := s.chain.CleanupMempool()
	if n > 0 {
		s.log.Debug("cleaned up mempool", zap.Int("evicted", n))
	}
	s.metrics.SetMempoolSize(int64(s.chain.Mempool().Len()))
	s.metrics.SetBlockHeight(int64(s.chain.Height()))
	s.mu.Lock()
	peers := len(s.peers)
	s.mu.Unlock()
	s.metrics.SetConnectedPeers(int64(peers))
}

func (s *Server) runSave() {
	if s.cfg.BlockchainFile == "" {
		return
	}
	if err := s.chain.Save(s.cfg.BlockchainFile); err != nil {
		s.log.Error("saving blockchain", zap.Error(err))
	}
}

// dialBootstrapPeers dials every known peer, exchanges
// DiscoverNodes/NodeList, and dials every peer learned that way too.
// The connections are only registered here; their receive-loops start
// after catch-up so this remains the sole reader on each conn until
// the bootstrap sequence completes.
func (s *Server) dialBootstrapPeers() {
	seen := make(map[string]bool)
	queue := append([]string(nil), s.cfg.BootstrapPeers...)

	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		if seen[addr] {
			continue
		}
		seen[addr] = true

		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			s.log.Warn("dialing bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}
		s.addPeer(addr, conn)

		if err := wire.WriteMessage(conn, wire.TagDiscoverNodes, wire.DiscoverNodesPayload{}); err != nil {
			s.log.Warn("sending discover_nodes", zap.String("addr", addr), zap.Error(err))
			conn.Close()
			s.removePeer(addr)
			continue
		}
		tag, data, err := wire.ReadMessage(conn)
		if err != nil || tag != wire.TagNodeList {
			s.log.Warn("reading node_list", zap.String("addr", addr), zap.Error(err))
			conn.Close()
			s.removePeer(addr)
			continue
		}
		var list wire.NodeListPayload
		if err := wire.DecodePayload(data, &list); err != nil {
			conn.Close()
			s.removePeer(addr)
			continue
		}
		for _, peer := range list.Peers {
			if !seen[peer] {
				queue = append(queue, peer)
			}
		}
	}
}

// catchUpFromPeers asks every peer AskDifference{0} and fetches the
// blocks the best-positioned peer has that we don't.
func (s *Server) catchUpFromPeers(ctx context.Context) error {
	s.mu.Lock()
	peers := make(map[string]net.Conn, len(s.peers))
	for addr, conn := range s.peers {
		peers[addr] = conn
	}
	s.mu.Unlock()

	if len(peers) == 0 {
		s.log.Info("no peers, starting as seed with empty chain")
		return nil
	}

	var bestAddr string
	var bestConn net.Conn
	var bestDiff int64
	for addr, conn := range peers {
		if err := wire.WriteMessage(conn, wire.TagAskDifference, wire.AskDifferencePayload{Height: 0}); err != nil {
			continue
		}
		tag, data, err := wire.ReadMessage(conn)
		if err != nil || tag != wire.TagDifference {
			continue
		}
		var diff wire.DifferencePayload
		if err := wire.DecodePayload(data, &diff); err != nil {
			continue
		}
		if diff.Diff > bestDiff {
			bestDiff = diff.Diff
			bestAddr = addr
			bestConn = conn
		}
	}
	if bestConn == nil || bestDiff <= 0 {
		return nil
	}

	for i := int64(0); i < bestDiff; i++ {
		if err := wire.WriteMessage(bestConn, wire.TagFetchBlock, wire.FetchBlockPayload{Height: uint64(i)}); err != nil {
			return fmt.Errorf("fetching block %d from %s: %w", i, bestAddr, err)
		}
		tag, data, err := wire.ReadMessage(bestConn)
		if err != nil || tag != wire.TagNewBlock {
			return fmt.Errorf("expected new_block for height %d from %s: %w", i, bestAddr, err)
		}
		var nb wire.NewBlockPayload
		if err := wire.DecodePayload(data, &nb); err != nil {
			return err
		}
		if err := s.chain.AddBlock(nb.Block); err != nil {
			return fmt.Errorf("applying block %d from %s: %w", i, bestAddr, err)
		}
	}
	if err := s.chain.Rebuild(); err != nil {
		return err
	}
	s.chain.TryAdjustTarget()
	return nil
}

// acceptLoop serves inbound connections. They are dispatched but never
// added to the peer table: the gossip set stays limited to connections
// this node dialed itself.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.log.Error("accept", zap.Error(err))
				return
			}
		}
		go s.dispatch(conn.RemoteAddr().String(), conn)
	}
}

func (s *Server) addPeer(addr string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[addr] = conn
}

func (s *Server) removePeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, addr)
}

func (s *Server) closeAllPeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, conn := range s.peers {
		conn.Close()
		delete(s.peers, addr)
	}
}

// rebuildOwnerIndex re-derives the owner index from the current UTXO
// set, if an index is configured.
func (s *Server) rebuildOwnerIndex() {
	if s.index == nil {
		return
	}
	var entries []OwnerEntry
	for _, e := range s.chain.UTXOs().All() {
		entries = append(entries, OwnerEntry{PublicKey: e.Output.PublicKey, OutputHash: e.Hash})
	}
	if err := s.index.Rebuild(entries); err != nil {
		s.log.Warn("rebuilding owner index", zap.Error(err))
	}
}

// unsolicitedReplyTags are reply-only types that only a wallet or miner
// should ever originate requests for; a peer sending one unsolicited is
// a protocol violation.
var unsolicitedReplyTags = map[wire.Tag]bool{
	wire.TagUTXOs:            true,
	wire.TagTemplate:         true,
	wire.TagDifference:       true,
	wire.TagTemplateValidity: true,
	wire.TagNodeList:         true,
}

// dispatch runs one connection's receive-loop. Errors marked
// connection-fatal below close the connection and evict it from the
// peer table; others are logged and the loop continues.
func (s *Server) dispatch(addr string, conn net.Conn) {
	defer func() {
		conn.Close()
		s.removePeer(addr)
	}()

	for {
		tag, data, err := wire.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, wire.ErrProtocol) {
				s.log.Debug("peer disconnected", zap.String("addr", addr))
			}
			return
		}

		if unsolicitedReplyTags[tag] {
			s.log.Warn("unsolicited reply-only message, closing", zap.String("addr", addr), zap.String("tag", string(tag)))
			return
		}

		if !s.handleOne(conn, addr, tag, data) {
			return
		}
	}
}

// handleOne processes a single message and reports whether the
// connection should stay open.
func (s *Server) handleOne(conn net.Conn, addr string, tag wire.Tag, data []byte) bool {
	switch tag {
	case wire.TagFetchBlock:
		var p wire.FetchBlockPayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		block, ok := s.chain.BlockAt(int(p.Height))
		if !ok {
			return false
		}
		return s.reply(conn, addr, wire.TagNewBlock, wire.NewBlockPayload{Block: block})

	case wire.TagDiscoverNodes:
		s.mu.Lock()
		peers := make([]string, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		return s.reply(conn, addr, wire.TagNodeList, wire.NodeListPayload{Peers: peers})

	case wire.TagAskDifference:
		var p wire.AskDifferencePayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		diff := int64(s.chain.Height()) - int64(p.Height)
		return s.reply(conn, addr, wire.TagDifference, wire.DifferencePayload{Diff: diff})

	case wire.TagFetchUTXOs:
		var p wire.FetchUTXOsPayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		return s.reply(conn, addr, wire.TagUTXOs, wire.UTXOsPayload{Entries: s.fetchUTXOsFor(&p.PublicKey)})

	case wire.TagNewBlock:
		var p wire.NewBlockPayload
		if err := wire.DecodePayload(data, &p); err != nil {
			s.log.Info("decoding new_block", zap.Error(err))
			return true
		}
		if err := s.chain.AddBlock(p.Block); err != nil {
			s.log.Info("rejecting gossiped block", zap.Error(err))
			s.metrics.IncBlocksRejected()
		} else {
			s.metrics.IncBlocksAccepted()
			s.metrics.SetBlockHeight(int64(s.chain.Height()))
		}
		return true

	case wire.TagNewTransaction:
		var p wire.NewTransactionPayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		if err := s.chain.AddToMempool(p.Tx); err != nil {
			s.metrics.IncTxRejected()
			return false
		}
		s.metrics.IncTxAccepted()
		s.metrics.SetMempoolSize(int64(s.chain.Mempool().Len()))
		return true

	case wire.TagValidateTemplate:
		var p wire.ValidateTemplatePayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		lastHash, err := s.chain.LastHash()
		if err != nil {
			return false
		}
		valid := p.Block.Header.PrevHash == lastHash
		return s.reply(conn, addr, wire.TagTemplateValidity, wire.TemplateValidityPayload{Valid: valid})

	case wire.TagSubmitTemplate:
		var p wire.SubmitTemplatePayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		if err := s.chain.AddBlock(p.Block); err != nil {
			s.metrics.IncBlocksRejected()
			return false
		}
		s.metrics.IncBlocksAccepted()
		s.metrics.SetBlockHeight(int64(s.chain.Height()))
		if err := s.chain.Rebuild(); err != nil {
			s.log.Error("rebuilding utxos after submit_template", zap.Error(err))
		}
		s.rebuildOwnerIndex()
		s.broadcastExcept(addr, wire.TagNewBlock, wire.NewBlockPayload{Block: p.Block})
		return true

	case wire.TagSubmitTransaction:
		var p wire.SubmitTransactionPayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		if err := s.chain.AddToMempool(p.Tx); err != nil {
			s.metrics.IncTxRejected()
			return false
		}
		s.metrics.IncTxAccepted()
		s.metrics.SetMempoolSize(int64(s.chain.Mempool().Len()))
		s.broadcastExcept(addr, wire.TagNewTransaction, wire.NewTransactionPayload{Tx: p.Tx})
		return true

	case wire.TagFetchTemplate:
		var p wire.FetchTemplatePayload
		if err := wire.DecodePayload(data, &p); err != nil {
			return false
		}
		block, err := s.buildTemplate(&p.PublicKey)
		if err != nil {
			s.log.Debug("dropping fetch_template request", zap.Error(err))
			return true
		}
		return s.reply(conn, addr, wire.TagTemplate, wire.TemplatePayload{Block: block})

	default:
		s.log.Warn("unknown message tag", zap.String("tag", string(tag)))
		return false
	}
}

func (s *Server) reply(conn net.Conn, addr string, tag wire.Tag, payload interface{}) bool {
	if err := wire.WriteMessage(conn, tag, payload); err != nil {
		s.log.Debug("writing reply", zap.String("addr", addr), zap.Error(err))
		return false
	}
	return true
}

// broadcastExcept sends tag/payload to every dial-established peer
// other than except (the connection it originated from, should that
// happen to be one of them), dropping any peer a write fails against.
func (s *Server) broadcastExcept(except string, tag wire.Tag, payload interface{}) {
	s.mu.Lock()
	targets := make(map[string]net.Conn, len(s.peers))
	for addr, conn := range s.peers {
		if addr != except {
			targets[addr] = conn
		}
	}
	s.mu.Unlock()

	for addr, conn := range targets {
		if err := wire.WriteMessage(conn, tag, payload); err != nil {
			conn.Close()
			s.removePeer(addr)
		}
	}
}

// fetchUTXOsFor answers FetchUTXOs{public_key}: every UTXO owned by pub.
// When an owner index is configured it's used directly; otherwise every
// entry in the UTXO set is scanned.
func (s *Server) fetchUTXOsFor(pub *ckey.PublicKey) []wire.UTXOEntry {
	if s.index != nil {
		hashes, err := s.index.OutputHashesOwnedBy(pub)
		if err == nil {
			var out []wire.UTXOEntry
			for _, h := range hashes {
				if output, ok := s.chain.UTXOs().Get(h); ok {
					out = append(out, wire.UTXOEntry{Output: output, Marked: s.chain.UTXOs().IsMarked(h)})
				}
			}
			return out
		}
		s.log.Warn("owner index lookup failed, falling back to full scan", zap.Error(err))
	}

	var out []wire.UTXOEntry
	for _, e := range s.chain.UTXOs().All() {
		if e.Output.PublicKey.Equal(pub) {
			out = append(out, wire.UTXOEntry{Output: e.Output, Marked: e.Marked})
		}
	}
	return out
}

// buildTemplate constructs an unmined candidate block: up to
// consensus.BlockTransactionCap fee-ordered mempool transactions, a
// coinbase paying reward+fees to pub. The merkle root is computed only
// after the coinbase's final value is known.
func (s *Server) buildTemplate(pub *ckey.PublicKey) (chainmodel.Block, error) {
	entries := s.chain.Mempool().Entries()
	if len(entries) > consensus.BlockTransactionCap {
		entries = entries[:consensus.BlockTransactionCap]
	}

	coinbase := chainmodel.NewTransactionOutput(0, pub)
	txs := make([]chainmodel.Transaction, 0, len(entries)+1)
	txs = append(txs, chainmodel.Transaction{Outputs: []chainmodel.TransactionOutput{coinbase}})
	for _, e := range entries {
		txs = append(txs, e.Tx)
	}

	predictedHeight := uint64(s.chain.Height())
	fees, err := consensus.CalculateMinerFees(txs[1:], s.chain.UTXOs())
	if err != nil {
		return chainmodel.Block{}, fmt.Errorf("node: computing miner fees for template: %w", err)
	}
	txs[0].Outputs[0] = chainmodel.NewTransactionOutput(consensus.ExpectedReward(predictedHeight)+fees, pub)

	prevHash, err := s.chain.LastHash()
	if err != nil {
		return chainmodel.Block{}, err
	}

	block := chainmodel.Block{Transactions: txs}
	root, err := block.CalculateMerkleRoot()
	if err != nil {
		return chainmodel.Block{}, fmt.Errorf("node: computing template merkle root: %w", err)
	}
	block.Header = chainmodel.BlockHeader{
		Timestamp:  time.Now().Unix(),
		Nonce:      0,
		PrevHash:   prevHash,
		MerkleRoot: root,
		Target:     s.chain.Target(),
	}
	return block, nil
}
