package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artbin/dlog/internal/config"
	"github.com/artbin/dlog/internal/logging"
	"github.com/artbin/dlog/internal/raft"
)

func getFreePort() int {
	listener, _ := net.Listen("tcp", "127.0.0.1:0")
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// syncBuffer is a bytes.Buffer safe for the logger's writers and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T, id uint64, peers []config.PeerConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.ID = id
	cfg.Node.DataDir = t.TempDir()
	for _, p := range peers {
		if p.ID == id {
			cfg.Node.Address = p.Addr
		}
	}
	cfg.Cluster.Peers = peers
	cfg.Cluster.ElectionTimeoutMin = 100 * time.Millisecond
	cfg.Cluster.ElectionTimeoutMax = 200 * time.Millisecond
	cfg.Cluster.HeartbeatInterval = 20 * time.Millisecond
	cfg.Cluster.SubmitTimeout = 3 * time.Second
	cfg.Storage.CompactionInterval = 0
	cfg.Logging.Level = "debug"
	return cfg
}

func testPeers(n int) []config.PeerConfig {
	peers := make([]config.PeerConfig, n)
	for i := range peers {
		peers[i] = config.PeerConfig{
			ID:    uint64(i + 1),
			Addr:  fmt.Sprintf("127.0.0.1:%d", getFreePort()),
			Voter: true,
		}
	}
	return peers
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		t.Fatalf("invalid test config: %v", errs)
	}
	srv, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func waitForLeader(t *testing.T, servers []*Server) *Server {
	t.Helper()
	var leader *Server
	ok := waitFor(5*time.Second, func() bool {
		for _, s := range servers {
			if s.Status().Role == raft.Leader {
				leader = s
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatal("no leader elected")
	}
	return leader
}

func TestServerSingleNode(t *testing.T) {
	srv := startServer(t, testConfig(t, 1, testPeers(1)))
	waitForLeader(t, []*Server{srv})

	ctx := context.Background()
	for i, payload := range []string{"a", "b", "c"} {
		index, err := srv.Append(ctx, []byte(payload))
		if err != nil {
			t.Fatalf("Append(%s) failed: %v", payload, err)
		}
		if index != uint64(i+1) {
			t.Errorf("Append(%s) index = %d, want %d", payload, index, i+1)
		}
	}

	entries, err := srv.Read(ctx, raft.ReadRequest{From: 2})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Payload) != "b" || string(entries[1].Payload) != "c" {
		t.Errorf("Read(From=2) = %d entries", len(entries))
	}

	st := srv.Status()
	if st.ID != 1 || st.CommitIndex != 3 || st.LastApplied != 3 {
		t.Errorf("unexpected status %+v", st)
	}
	if srv.Addr() != srv.config.Node.Address {
		t.Errorf("Addr() = %s, want %s", srv.Addr(), srv.config.Node.Address)
	}
}

func TestServerLifecycle(t *testing.T) {
	cfg := testConfig(t, 1, testPeers(1))
	srv, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Start(); !errors.Is(err, ErrServerAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrServerAlreadyRunning", err)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := srv.Stop(context.Background()); !errors.Is(err, ErrServerNotRunning) {
		t.Errorf("second Stop = %v, want ErrServerNotRunning", err)
	}
	if err := srv.Start(); !errors.Is(err, raft.ErrNodeStopped) {
		t.Errorf("Start after Stop = %v, want ErrNodeStopped", err)
	}

	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after Stop")
	}
	if _, err := srv.Append(context.Background(), []byte("x")); !errors.Is(err, raft.ErrNodeStopped) {
		t.Errorf("Append after Stop = %v, want ErrNodeStopped", err)
	}

	// The store can be reopened once the server released it.
	srv2, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := srv2.Stop(context.Background()); err != nil {
		t.Errorf("Stop of never started server failed: %v", err)
	}
}

func TestNewServerInvalidDataDir(t *testing.T) {
	cfg := testConfig(t, 1, testPeers(1))
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Node.DataDir = file

	if _, err := New(cfg, logging.NewNop()); err == nil {
		t.Fatal("expected error for a data dir that is a file")
	}
}

func TestServerRestartKeepsLog(t *testing.T) {
	cfg := testConfig(t, 1, testPeers(1))
	srv := startServer(t, cfg)
	waitForLeader(t, []*Server{srv})

	if _, err := srv.Append(context.Background(), []byte("persisted")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	srv = startServer(t, cfg)
	waitForLeader(t, []*Server{srv})

	entries, err := srv.Read(context.Background(), raft.ReadRequest{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "persisted" {
		t.Errorf("entries after restart = %d", len(entries))
	}
}

func TestServerCluster(t *testing.T) {
	peers := testPeers(3)
	servers := make([]*Server, len(peers))
	for i, p := range peers {
		servers[i] = startServer(t, testConfig(t, p.ID, peers))
	}

	leader := waitForLeader(t, servers)
	ctx := context.Background()

	index, err := leader.Append(ctx, []byte("replicated"))
	if err != nil {
		t.Fatalf("Append on leader failed: %v", err)
	}

	for _, s := range servers {
		if s == leader {
			continue
		}

		_, err := s.Append(ctx, []byte("rejected"))
		var nle *raft.NotLeaderError
		if !errors.As(err, &nle) {
			t.Fatalf("Append on follower = %v, want NotLeaderError", err)
		}
		if nle.LeaderID != leader.Status().ID || nle.LeaderAddr != leader.Addr() {
			t.Errorf("leader hint = %d@%s, want %d@%s", nle.LeaderID, nle.LeaderAddr, leader.Status().ID, leader.Addr())
		}

		ok := waitFor(3*time.Second, func() bool {
			entries, err := s.Read(ctx, raft.ReadRequest{From: index, Consistency: raft.StaleLocal})
			return err == nil && len(entries) == 1 && string(entries[0].Payload) == "replicated"
		})
		if !ok {
			t.Errorf("follower %d never applied the entry", s.Status().ID)
		}
	}

	entries, err := leader.Read(ctx, raft.ReadRequest{From: index})
	if err != nil || len(entries) != 1 {
		t.Errorf("linearizable read = %d entries, err %v", len(entries), err)
	}
}

func TestServerMembership(t *testing.T) {
	peers := testPeers(2)
	srv := startServer(t, testConfig(t, 1, peers[:1]))
	waitForLeader(t, []*Server{srv})

	joinerCfg := testConfig(t, 2, peers[:1])
	joinerCfg.Node.Address = peers[1].Addr
	joiner := startServer(t, joinerCfg)

	ctx := context.Background()
	if err := srv.AddMember(ctx, raft.Member{ID: 2, Addr: peers[1].Addr, Voter: true}); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if err := srv.AddMember(ctx, raft.Member{ID: 2, Addr: peers[1].Addr, Voter: true}); !errors.Is(err, raft.ErrMemberExists) {
		t.Errorf("second AddMember = %v, want ErrMemberExists", err)
	}

	index, err := srv.Append(ctx, []byte("after join"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := joiner.Node().WaitApplied(ctx, index); err != nil {
		t.Fatalf("joiner WaitApplied failed: %v", err)
	}

	if err := srv.RemoveMember(ctx, 2); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	if srv.Status().Membership.Contains(2) {
		t.Error("member 2 still present after removal")
	}
}

func TestServerCompact(t *testing.T) {
	cfg := testConfig(t, 1, testPeers(1))
	cfg.Storage.SegmentSize = "4KB"
	cfg.Storage.RetainEntries = 2
	srv := startServer(t, cfg)
	waitForLeader(t, []*Server{srv})

	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 1024)
	var last uint64
	for i := 0; i < 12; i++ {
		index, err := srv.Append(ctx, payload)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		last = index
	}

	if !waitFor(2*time.Second, func() bool { return srv.store.CommitIndex() == last }) {
		t.Fatalf("commit index never persisted: %d", srv.store.CommitIndex())
	}

	removed, err := srv.Compact()
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected segments to be removed")
	}

	first := srv.store.FirstIndex()
	if first <= 1 || first > last-2 {
		t.Errorf("first retained index = %d, last %d", first, last)
	}
	if _, err := srv.Read(ctx, raft.ReadRequest{From: 1}); !errors.Is(err, raft.ErrCompacted) {
		t.Errorf("Read(From=1) = %v, want ErrCompacted", err)
	}

	entries, err := srv.Read(ctx, raft.ReadRequest{})
	if err != nil {
		t.Fatalf("Read from first retained failed: %v", err)
	}
	if entries[0].Index != first || entries[len(entries)-1].Index != last {
		t.Errorf("read range %d..%d, want %d..%d", entries[0].Index, entries[len(entries)-1].Index, first, last)
	}
}

func TestServerCompactedFollowerCatchesUp(t *testing.T) {
	peers := testPeers(3)
	cfgs := make([]*config.Config, len(peers))
	servers := make([]*Server, len(peers))
	for i, p := range peers {
		cfgs[i] = testConfig(t, p.ID, peers)
		cfgs[i].Storage.SegmentSize = "16KB"
		cfgs[i].Storage.RetainEntries = 0
		servers[i] = startServer(t, cfgs[i])
	}
	leader := waitForLeader(t, servers)

	lagging := 0
	for i, s := range servers {
		if s != leader {
			lagging = i
			break
		}
	}
	ctx := context.Background()
	if err := servers[lagging].Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	payload := bytes.Repeat([]byte("x"), 4096)
	var last uint64
	for i := 0; i < 300; i++ {
		index, err := leader.Append(ctx, payload)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		last = index
	}
	if !waitFor(2*time.Second, func() bool { return leader.store.CommitIndex() == last }) {
		t.Fatalf("commit index never persisted: %d", leader.store.CommitIndex())
	}
	if removed, err := leader.Compact(); err != nil || removed == 0 {
		t.Fatalf("Compact = %d, %v; want segments removed", removed, err)
	}
	boundary := leader.store.FirstIndex() - 1

	restarted := startServer(t, cfgs[lagging])
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := restarted.Node().WaitApplied(wctx, last); err != nil {
		t.Fatalf("restarted follower WaitApplied(%d): %v (applied %d)", last, err, restarted.Status().LastApplied)
	}
	if first := restarted.store.FirstIndex(); first <= 1 || first > boundary+1 {
		t.Errorf("restarted follower first index = %d, leader boundary %d", first, boundary)
	}

	// Replication continues normally past the boundary.
	index, err := leader.Append(ctx, []byte("after catch-up"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	ok := waitFor(3*time.Second, func() bool {
		entries, err := restarted.Read(ctx, raft.ReadRequest{From: index, Consistency: raft.StaleLocal})
		return err == nil && len(entries) == 1 && string(entries[0].Payload) == "after catch-up"
	})
	if !ok {
		t.Error("restarted follower did not apply the entry appended after catch-up")
	}
}

func TestServerCompactRetainsWindow(t *testing.T) {
	cfg := testConfig(t, 1, testPeers(1))
	cfg.Storage.RetainEntries = 1000
	srv := startServer(t, cfg)
	waitForLeader(t, []*Server{srv})

	if _, err := srv.Append(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	removed, err := srv.Compact()
	if err != nil || removed != 0 {
		t.Errorf("Compact = %d, %v; want nothing removed", removed, err)
	}
}

func TestServerConfigReload(t *testing.T) {
	cfg := testConfig(t, 1, testPeers(1))
	cfg.Logging.Level = "info"
	path := filepath.Join(t.TempDir(), "dlog.yaml")
	if err := os.WriteFile(path, []byte(config.MarshalYAML(cfg)), 0644); err != nil {
		t.Fatal(err)
	}

	out := &syncBuffer{}
	logger := logging.NewWithWriter(logging.LevelInfo, logging.FormatText, out)
	srv, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.WatchConfig(path); err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}
	if srv.ConfigManager() == nil {
		t.Fatal("ConfigManager should be set")
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop(context.Background())

	next := *cfg
	next.Logging.Level = "debug"
	next.Storage.RetainEntries = 7
	data := config.MarshalYAML(&next) + strings.Repeat("\n", 4)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	ok := waitFor(3*time.Second, func() bool {
		return strings.Contains(out.String(), "log level changed")
	})
	if !ok {
		t.Fatalf("level change not applied, log:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "config changes require a restart") {
		t.Error("expected a restart warning for the storage change")
	}
	if got := srv.ConfigManager().GetConfig().Logging.Level; got != "debug" {
		t.Errorf("manager level = %q, want debug", got)
	}

	// Debug output is now enabled for the whole node.
	waitForLeader(t, []*Server{srv})
	if _, err := srv.Append(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !strings.Contains(out.String(), "append committed") {
		t.Error("expected debug append log after level change")
	}
}

func TestHandleConfigReloadLevels(t *testing.T) {
	out := &syncBuffer{}
	logger := logging.NewWithWriter(logging.LevelWarn, logging.FormatText, out)
	srv := &Server{logger: logger}

	old := config.DefaultConfig()
	next := config.DefaultConfig()
	next.Logging.Level = "error"
	srv.handleConfigReload(old, next)

	logger.Warn("should be hidden")
	logger.Error("should be shown")
	if strings.Contains(out.String(), "should be hidden") {
		t.Error("warn written after switching to error level")
	}
	if !strings.Contains(out.String(), "should be shown") {
		t.Error("error message missing")
	}
}
