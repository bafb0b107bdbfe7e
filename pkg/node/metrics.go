package node

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// Metrics is a small set of atomic counters exposed over HTTP in
// Prometheus text format, in the same style the rest of this codebase's
// ancestry uses for operational metrics (hand-rolled gauges/counters,
// no metrics client library).
type Metrics struct {
	blockHeight      int64
	connectedPeers   int64
	mempoolSize      int64
	blocksAccepted   int64
	blocksRejected   int64
	txAccepted       int64
	txRejected       int64
}

// NewMetrics returns a zeroed metrics set.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) SetBlockHeight(v int64)    { atomic.StoreInt64(&m.blockHeight, v) }
func (m *Metrics) SetConnectedPeers(v int64) { atomic.StoreInt64(&m.connectedPeers, v) }
func (m *Metrics) SetMempoolSize(v int64)    { atomic.StoreInt64(&m.mempoolSize, v) }
func (m *Metrics) IncBlocksAccepted()        { atomic.AddInt64(&m.blocksAccepted, 1) }
func (m *Metrics) IncBlocksRejected()        { atomic.AddInt64(&m.blocksRejected, 1) }
func (m *Metrics) IncTxAccepted()            { atomic.AddInt64(&m.txAccepted, 1) }
func (m *Metrics) IncTxRejected()            { atomic.AddInt64(&m.txRejected, 1) }

// expositionText renders the current counters in Prometheus's text
// exposition format.
func (m *Metrics) expositionText() string {
	var out string
	gauge := func(name, help string, v int64) {
		out += fmt.Sprintf("# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
	}
	counter := func(name, help string, v int64) {
		out += fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	gauge("ironledger_block_height", "Current blockchain height", atomic.LoadInt64(&m.blockHeight))
	gauge("ironledger_connected_peers", "Number of connected peers", atomic.LoadInt64(&m.connectedPeers))
	gauge("ironledger_mempool_size", "Pending transactions", atomic.LoadInt64(&m.mempoolSize))
	counter("ironledger_blocks_accepted_total", "Blocks accepted by add_block", atomic.LoadInt64(&m.blocksAccepted))
	counter("ironledger_blocks_rejected_total", "Blocks rejected by add_block", atomic.LoadInt64(&m.blocksRejected))
	counter("ironledger_transactions_accepted_total", "Transactions admitted to the mempool", atomic.LoadInt64(&m.txAccepted))
	counter("ironledger_transactions_rejected_total", "Transactions rejected by the mempool", atomic.LoadInt64(&m.txRejected))
	return out
}

// Serve blocks, running an HTTP server exposing /metrics at addr. Meant
// to be launched in its own goroutine; a bind failure is logged, not
// fatal.
func (m *Metrics) Serve(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(m.expositionText()))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", zap.Error(err))
	}
}
