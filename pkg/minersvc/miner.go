// Package minersvc implements the miner service: a template loop
// that keeps a candidate block fresh against the node, a dedicated
// proof-of-work worker, and a submit loop that hands a solved block back
// to the node. It never touches BLOCKCHAIN state directly; everything is
// learned from and reported to the node over a single wire connection.
package minersvc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/ckey"
	"github.com/gochain/ironledger/pkg/consensus"
	"github.com/gochain/ironledger/pkg/wire"
)

// Config holds the tunables of the miner's loops.
type Config struct {
	TemplateInterval time.Duration
	MiningSteps      uint64
}

// DefaultConfig returns the standard nonce burst size and a 5s template poll.
func DefaultConfig() Config {
	return Config{
		TemplateInterval: 5 * time.Second,
		MiningSteps:      consensus.MiningSteps,
	}
}

// Miner drives one node connection: fetching templates, mining them, and
// submitting solved blocks. The network conn is shared by the template
// loop (which reads replies) and the submit loop (which only writes);
// writeMu serializes the writes so a solved-block submission never
// interleaves with an in-flight fetch/validate request.
type Miner struct {
	conn net.Conn
	pub  *ckey.PublicKey
	cfg  Config
	log  *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	current chainmodel.Block
	active  bool

	mined chan chainmodel.Block
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	failMu sync.Mutex
	failed error
}

// New builds a Miner that mines on behalf of pub over conn. conn should
// already be connected to a node.
func New(conn net.Conn, pub *ckey.PublicKey, cfg Config, log *zap.Logger) *Miner {
	return &Miner{
		conn:  conn,
		pub:   pub,
		cfg:   cfg,
		log:   log,
		mined: make(chan chainmodel.Block, 1),
		stop:  make(chan struct{}),
	}
}

// Run starts the template, worker, and submit loops and blocks until ctx
// is cancelled or one of them hits a connection-fatal error (any
// unexpected reply is connection-fatal). It always closes conn before
// returning.
func (m *Miner) Run(ctx context.Context) error {
	m.wg.Add(3)
	go m.templateLoop(ctx)
	go m.worker(ctx)
	go m.submitLoop(ctx)

	select {
	case <-ctx.Done():
	case <-m.stop:
	}
	m.stopAll()
	m.wg.Wait()
	m.conn.Close()

	if err := m.fatalErr(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Miner) stopAll() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Miner) fail(err error) {
	m.failMu.Lock()
	if m.failed == nil {
		m.failed = err
	}
	m.failMu.Unlock()
	m.stopAll()
}

func (m *Miner) fatalErr() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.failed
}

// --- template loop ---

func (m *Miner) templateLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TemplateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Miner) tick() {
	m.mu.Lock()
	active := m.active
	current := m.current
	m.mu.Unlock()

	if !active {
		block, err := m.fetchTemplate()
		if err != nil {
			m.log.Warn("fetch_template failed", zap.Error(err))
			m.fail(fmt.Errorf("minersvc: fetch_template: %w", err))
			return
		}
		m.mu.Lock()
		m.current = block
		m.active = true
		m.mu.Unlock()
		return
	}

	valid, err := m.validateTemplate(current)
	if err != nil {
		m.log.Warn("validate_template failed", zap.Error(err))
		m.fail(fmt.Errorf("minersvc: validate_template: %w", err))
		return
	}
	if !valid {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}
}

func (m *Miner) fetchTemplate() (chainmodel.Block, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := wire.WriteMessage(m.conn, wire.TagFetchTemplate, wire.FetchTemplatePayload{PublicKey: *m.pub}); err != nil {
		return chainmodel.Block{}, err
	}
	tag, data, err := wire.ReadMessage(m.conn)
	if err != nil {
		return chainmodel.Block{}, err
	}
	if tag != wire.TagTemplate {
		return chainmodel.Block{}, fmt.Errorf("unexpected reply tag %q to fetch_template", tag)
	}
	var p wire.TemplatePayload
	if err := wire.DecodePayload(data, &p); err != nil {
		return chainmodel.Block{}, err
	}
	return p.Block, nil
}

func (m *Miner) validateTemplate(block chainmodel.Block) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := wire.WriteMessage(m.conn, wire.TagValidateTemplate, wire.ValidateTemplatePayload{Block: block}); err != nil {
		return false, err
	}
	tag, data, err := wire.ReadMessage(m.conn)
	if err != nil {
		return false, err
	}
	if tag != wire.TagTemplateValidity {
		return false, fmt.Errorf("unexpected reply tag %q to validate_template", tag)
	}
	var p wire.TemplateValidityPayload
	if err := wire.DecodePayload(data, &p); err != nil {
		return false, err
	}
	return p.Valid, nil
}

// --- worker ---

// worker mines the current template in bounded nonce bursts, yielding
// between bursts so the template loop gets to run. It never touches the
// node connection.
func (m *Miner) worker(ctx context.Context) {
	defer m.wg.Done()
	var nonce uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		m.mu.Lock()
		active := m.active
		template := m.current
		m.mu.Unlock()

		if !active {
			nonce = 0
			select {
			case <-time.After(10 * time.Millisecond):
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		header := template.Header
		solved := false
		for step := uint64(0); step < m.cfg.MiningSteps; step++ {
			header.Nonce = nonce
			ok, err := consensus.ValidateProofOfWork(header)
			if err != nil {
				m.fail(fmt.Errorf("minersvc: hashing candidate header: %w", err))
				return
			}
			if ok {
				solved = true
				break
			}
			nonce++
			if nonce == 0 {
				// wrapped past 2^64: refresh the timestamp
				header.Timestamp = time.Now().Unix()
			}
		}

		if !solved {
			continue
		}

		template.Header = header
		select {
		case m.mined <- template:
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}

		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		nonce = 0
	}
}

// --- submit loop ---

func (m *Miner) submitLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case block := <-m.mined:
			if err := m.submitTemplate(block); err != nil {
				m.log.Error("submit_template failed", zap.Error(err))
				m.fail(fmt.Errorf("minersvc: submit_template: %w", err))
				return
			}
		}
	}
}

func (m *Miner) submitTemplate(block chainmodel.Block) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wire.WriteMessage(m.conn, wire.TagSubmitTemplate, wire.SubmitTemplatePayload{Block: block})
}
