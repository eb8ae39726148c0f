package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artbin/dlog/internal/config"
	"github.com/artbin/dlog/internal/logging"
	"github.com/artbin/dlog/internal/logstore"
	"github.com/artbin/dlog/internal/raft"
)

// Server errors.
var (
	ErrServerAlreadyRunning = errors.New("server: already running")
	ErrServerNotRunning     = errors.New("server: not running")
)

// Server runs one dlog node: the durable log store, the peer transport and
// the consensus node, plus background compaction and config hot reload.
type Server struct {
	config    *config.Config
	logger    logging.Logger
	store     *logstore.Store
	transport *raft.TCPTransport
	node      *raft.Node

	configManager *config.ConfigManager
	configWatcher *config.ConfigWatcher

	running bool
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New opens the log store in cfg.Node.DataDir and builds the consensus node.
// cfg is expected to have passed config.ValidateConfig.
func New(cfg *config.Config, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithFields("node", cfg.Node.ID)

	storeOpts := logstore.DefaultOptions().
		WithSegmentSize(cfg.Storage.SegmentSizeBytes()).
		WithLogger(logger.Named("logstore"))

	store, err := logstore.Open(cfg.Node.DataDir, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}

	peerAddrs := make(map[uint64]string, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		if p.ID != cfg.Node.ID {
			peerAddrs[p.ID] = p.Addr
		}
	}
	transport := raft.NewTCPTransport(cfg.Node.Address, peerAddrs)
	transport.SetLogger(logger.Named("transport"))

	node, err := raft.NewNode(nodeConfig(cfg, logger), store, transport)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    cfg,
		logger:    logger.Named("server"),
		store:     store,
		transport: transport,
		node:      node,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// nodeConfig maps the file configuration onto the consensus node.
func nodeConfig(cfg *config.Config, logger logging.Logger) *raft.NodeConfig {
	nc := raft.DefaultNodeConfig()
	nc.ID = cfg.Node.ID
	nc.Addr = cfg.Node.Address
	for _, p := range cfg.Cluster.Peers {
		nc.Peers = append(nc.Peers, raft.Member{ID: p.ID, Addr: p.Addr, Voter: p.Voter})
	}
	nc.ElectionTimeoutMin = cfg.Cluster.ElectionTimeoutMin
	nc.ElectionTimeoutMax = cfg.Cluster.ElectionTimeoutMax
	nc.HeartbeatInterval = cfg.Cluster.HeartbeatInterval
	nc.PreVote = cfg.Cluster.PreVote
	nc.CheckQuorum = cfg.Cluster.CheckQuorum
	nc.MaxAppendEntries = cfg.Cluster.MaxAppendEntries
	nc.MaxAppendBytes = cfg.Cluster.MaxAppendBytesValue()
	nc.SubmitTimeout = cfg.Cluster.SubmitTimeout
	nc.Logger = logger.Named("raft")
	return nc
}

// Start starts the node and the background loops. It does not block.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerAlreadyRunning
	}
	if s.stopped {
		return raft.ErrNodeStopped
	}

	if err := s.node.Start(); err != nil {
		return fmt.Errorf("failed to start raft node: %w", err)
	}
	s.running = true

	if s.config.Storage.CompactionInterval > 0 {
		s.wg.Add(1)
		go s.compactionLoop(s.config.Storage.CompactionInterval)
	}
	if s.configWatcher != nil {
		s.configWatcher.Start()
	}

	s.logger.Info("server started",
		"address", s.transport.LocalAddr(),
		"data_dir", s.config.Node.DataDir,
		"peers", len(s.config.Cluster.Peers),
	)
	return nil
}

// Stop shuts the node down and closes the store. Waiting for background
// loops is bounded by ctx; the store is closed either way. Stopping a server
// that was never started only releases its resources.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	s.stopped = true
	watcher := s.configWatcher
	s.mu.Unlock()

	s.cancel()
	if watcher != nil {
		watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("server shutdown timed out waiting for background tasks")
	}

	s.node.Stop()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close log store: %w", cerr)
	}

	if err == nil {
		s.logger.Info("server stopped gracefully")
	}
	return err
}

// Done is closed when the node stops, including after a fatal storage error.
func (s *Server) Done() <-chan struct{} {
	return s.node.Done()
}

// Addr returns the bound peer RPC address.
func (s *Server) Addr() string {
	return s.transport.LocalAddr()
}

// Node returns the consensus node.
func (s *Server) Node() *raft.Node {
	return s.node
}

// Status returns the node status.
func (s *Server) Status() raft.Status {
	return s.node.Status()
}

// Append replicates payload and returns its log index once committed.
func (s *Server) Append(ctx context.Context, payload []byte) (uint64, error) {
	reqID := logging.GenerateRequestID()
	log := s.logger.WithRequestID(logging.ShortID(reqID))

	start := time.Now()
	index, err := s.node.Submit(ctx, payload)
	if err != nil {
		logRequestError(log, "append failed", err, "size", len(payload))
		return 0, err
	}

	log.Debug("append committed",
		"index", index,
		"size", len(payload),
		"duration", time.Since(start),
	)
	return index, nil
}

// Read returns committed entries starting at req.From.
func (s *Server) Read(ctx context.Context, req raft.ReadRequest) ([]*logstore.Entry, error) {
	reqID := logging.GenerateRequestID()
	log := s.logger.WithRequestID(logging.ShortID(reqID))

	entries, err := s.node.Read(ctx, req)
	if err != nil {
		logRequestError(log, "read failed", err, "from", req.From, "consistency", req.Consistency)
		return nil, err
	}

	log.Debug("read served",
		"from", req.From,
		"entries", len(entries),
		"consistency", req.Consistency,
	)
	return entries, nil
}

// AddMember adds a voter or learner to the cluster.
func (s *Server) AddMember(ctx context.Context, m raft.Member) error {
	if err := s.node.AddMember(ctx, m); err != nil {
		logRequestError(s.logger, "add member failed", err, "member", m.ID)
		return err
	}
	s.logger.Info("member added", "member", m.ID, "addr", m.Addr, "voter", m.Voter)
	return nil
}

// RemoveMember removes a member from the cluster.
func (s *Server) RemoveMember(ctx context.Context, id uint64) error {
	if err := s.node.RemoveMember(ctx, id); err != nil {
		logRequestError(s.logger, "remove member failed", err, "member", id)
		return err
	}
	s.logger.Info("member removed", "member", id)
	return nil
}

// logRequestError logs routing errors at debug and everything else at warn.
func logRequestError(log logging.Logger, msg string, err error, keysAndValues ...interface{}) {
	kv := append(keysAndValues, "error", err)
	if errors.Is(err, raft.ErrNotLeader) {
		log.Debug(msg, kv...)
		return
	}
	log.Warn(msg, kv...)
}
