package manager

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-dev/aviary/internal/common/config"
	"github.com/aviary-dev/aviary/internal/continuity"
	"github.com/aviary-dev/aviary/internal/pty"
	"github.com/aviary-dev/aviary/internal/registry"
	"github.com/aviary-dev/aviary/internal/relay"
	"github.com/aviary-dev/aviary/internal/supervisor"
)

func testConfig(dataDir string) *config.Config {
	return &config.Config{
		Daemon: config.DaemonConfig{DataDir: dataDir, WorkspaceID: "ws"},
		PTY: config.PTYConfig{
			Term: "xterm-256color", Cols: 120, Rows: 30,
			BufferBytes: 64 * 1024, WriteTimeoutMs: 2000, StopGraceMs: 2000,
			EventLogDepth: 100,
		},
		Idle: config.IdleConfig{
			MinSilenceMs: 50, ConfidenceThreshold: 0.7, PollMs: 20, ProcStateSignal: false,
		},
		Inject: config.InjectConfig{
			QueueCap: 50, MaxAttempts: 3, TimeoutMs: 2000, SubmitDelayMs: 10, BackoffCapMs: 50,
		},
		Relay: config.RelayConfig{DedupeCap: 100, SenderHashCap: 100, OfflineTTLSecs: 60},
		Continuity: config.ContinuityConfig{
			Dir: dataDir + "/continuity", LockTimeoutMs: 2000,
			AutoInjectOnRestart: true, SearchLimit: 5,
		},
		Supervisor: config.SupervisorConfig{
			ProbeIntervalMs: 50, AutoRestart: true, MaxRestarts: 2,
			BackoffWindowMs: 60000, BackoffBaseMs: 10, BackoffCapMs: 20,
			CrashHistoryCap: 100, MemorySampleMs: 50,
		},
		Parser: config.ParserConfig{},
	}
}

type fixedPolicy struct{ max int }

func (p fixedPolicy) WorkspacePolicy(string) (WorkspacePolicy, error) {
	return WorkspacePolicy{MaxAgents: p.max}, nil
}

func newTestManager(t *testing.T, mutate func(*config.Config), policy PolicySource) *Manager {
	t.Helper()
	cfg := testConfig(t.TempDir())
	if mutate != nil {
		mutate(cfg)
	}

	reg, err := registry.Open(cfg.Daemon.DataDir, nil)
	require.NoError(t, err)
	store, err := continuity.NewStore(continuity.StoreConfig{Dir: cfg.Continuity.Dir}, nil)
	require.NoError(t, err)
	cont := continuity.NewManager(continuity.ManagerConfig{}, store, nil, nil)
	ins, err := supervisor.NewInsights(cfg.Daemon.DataDir, cfg.Supervisor.CrashHistoryCap, nil)
	require.NoError(t, err)
	sb := relay.NewSwitchboard(relay.Config{}, reg, nil, nil)

	catalog := DefaultCatalog()
	catalog.profiles["sleeper"] = Profile{Provider: "sleeper", Command: []string{"sleep", "30"}}
	catalog.profiles["echoer"] = Profile{Provider: "echoer", Command: []string{"sh", "-c", "printf hello-from-agent; sleep 30"}}
	catalog.profiles["crasher"] = Profile{Provider: "crasher", Command: []string{"sh", "-c", "exit 3"}}

	m := NewManager(cfg, Deps{
		Registry:   reg,
		Continuity: cont,
		Relay:      sb,
		Insights:   ins,
		Policy:     policy,
		Catalog:    catalog,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestSpawnRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t, nil, nil)

	_, err := m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "alice", Provider: "sleeper"})
	require.NoError(t, err)

	_, err = m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "alice", Provider: "sleeper"})
	assert.ErrorIs(t, err, ErrNameInUse)

	// Same name in another workspace is fine.
	_, err = m.Spawn("ws2", t.TempDir(), SpawnRequest{Name: "alice", Provider: "sleeper"})
	assert.NoError(t, err)
}

func TestSpawnRejectsUnknownProvider(t *testing.T) {
	m := newTestManager(t, nil, nil)
	_, err := m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "alice", Provider: "nope"})
	assert.Error(t, err)
}

func TestSpawnEnforcesWorkspacePolicy(t *testing.T) {
	m := newTestManager(t, nil, fixedPolicy{max: 1})

	_, err := m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "alice", Provider: "sleeper"})
	require.NoError(t, err)

	_, err = m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "bob", Provider: "sleeper"})
	assert.ErrorIs(t, err, ErrSpawnLimit)
}

func TestGetOutputAndStop(t *testing.T) {
	m := newTestManager(t, nil, nil)

	agent, err := m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "alice", Provider: "echoer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := m.GetOutput(agent.ID, 0)
		return err == nil && bytes.Contains(out, []byte("hello-from-agent"))
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, agent.ID))

	require.Eventually(t, func() bool {
		info, err := m.Get(agent.ID)
		return err == nil && info.Status == StatusStopped
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAgentIDStableAcrossRespawn(t *testing.T) {
	m := newTestManager(t, nil, nil)
	cwd := t.TempDir()

	first, err := m.Spawn("ws", cwd, SpawnRequest{Name: "alice", Provider: "sleeper"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, first.ID))
	require.Eventually(t, func() bool {
		info, err := m.Get(first.ID)
		return err == nil && info.Status == StatusStopped
	}, 5*time.Second, 50*time.Millisecond)

	second, err := m.Spawn("ws", cwd, SpawnRequest{Name: "alice", Provider: "sleeper"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCrashRestartsUntilBudgetExhausted(t *testing.T) {
	m := newTestManager(t, nil, nil)

	agent, err := m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "flappy", Provider: "crasher"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := m.Get(agent.ID)
		return err == nil && info.Status == StatusCrashed
	}, 10*time.Second, 50*time.Millisecond)

	info, err := m.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.RestartCount)

	records := m.deps.Insights.RecordsFor("flappy")
	assert.NotEmpty(t, records)
	for _, rec := range records {
		assert.Equal(t, 3, rec.ExitCode)
	}
}

func TestSpawnAfterShutdownRejected(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err := m.Spawn("ws", t.TempDir(), SpawnRequest{Name: "late", Provider: "sleeper"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRestoredContextBlock(t *testing.T) {
	led := &continuity.Ledger{
		AgentName:      "alice",
		CurrentTask:    "refactor",
		Completed:      []string{"one", "two", "three", "four", "five"},
		InProgress:     []string{"six"},
		UncertainItems: []string{"seven"},
	}
	block := restoredContextBlock(led)
	assert.Contains(t, block, "restored context for alice")
	assert.Contains(t, block, "Current task: refactor")
	assert.Contains(t, block, "- three\n- four\n- five")
	assert.NotContains(t, block, "- one")
	assert.Contains(t, block, "In progress:\n- six")
	assert.Contains(t, block, "Uncertain:\n- seven")

	assert.Empty(t, restoredContextBlock(&continuity.Ledger{AgentName: "bare"}))
}

func TestEnqueueRestoredContextQueuesOneMessage(t *testing.T) {
	m := newTestManager(t, nil, nil)
	store := m.deps.Continuity.Store()

	led, err := store.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)
	led.CurrentTask = "refactor"
	require.NoError(t, store.Save("alice", led))

	session := pty.NewSession(pty.Config{AgentName: "alice", Command: []string{"true"}})
	injector := pty.NewInjector(session, pty.InjectorConfig{}, nil)
	ra := &runtimeAgent{agent: &Agent{ID: "id-1", Name: "alice"}}
	ra.session = session
	ra.injector = injector

	m.enqueueRestoredContext(ra)
	assert.Equal(t, 1, injector.QueueDepth())
}
