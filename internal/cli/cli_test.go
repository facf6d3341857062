package cli

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/claimqueue/internal/storage/wal"
	"github.com/ChuLiYu/claimqueue/internal/store/memstore"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

const testSeed = `
tasks:
  - id: t1
    merchant_id: m1
    total_count: 2
    status: active
    reward_amount: "12.50"
users:
  - id: u1
    name: alice
  - id: u2
    name: bob
buyer_accounts:
  - id: a1
    user_id: u1
    platform: taobao
  - id: a2
    user_id: u2
    platform: taobao
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// runCLI 執行根命令並回傳輸出
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "claimqueue", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "claim", "status", "pause", "resume", "purge", "task", "journal"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"))
}

func TestBuildClaimCommand(t *testing.T) {
	cmd := buildClaimCommand()

	assert.Equal(t, "claim", cmd.Use)
	for _, f := range []string{"task", "user", "account", "handle", "wait"} {
		assert.NotNil(t, cmd.Flags().Lookup(f), "missing --%s", f)
	}
	assert.Equal(t, "5s", cmd.Flags().Lookup("wait").DefValue)
}

func TestBuildTaskCommand(t *testing.T) {
	cmd := buildTaskCommand()

	var subs []string
	for _, c := range cmd.Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"cancel", "complete"}, subs)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
engine:
  worker_count: 4
  max_attempts: 5
  backoff_base: 20ms
  await_timeout: 3s
journal:
  enabled: true
  path: ./data/test.wal
  snapshot_interval: 15s
store:
  driver: memory
  seed_file: ./seed.yaml
grpc:
  port: 6000
metrics:
  enabled: true
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.WorkerCount)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Engine.BackoffBase)
	assert.Equal(t, 3*time.Second, cfg.Engine.AwaitTimeout)
	assert.Equal(t, "./data/test.wal", cfg.Journal.Path)
	assert.Equal(t, 6000, cfg.GRPC.Port)
	assert.Equal(t, 8080, cfg.HTTP.Port, "unset port falls back to default")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)

	ec := cfg.engineConfig()
	assert.Equal(t, "./data/test.wal", ec.JournalPath)
	assert.Equal(t, 15*time.Second, ec.SnapshotInterval)
}

func TestLoadConfig_EmptyFileGetsDefaults(t *testing.T) {
	cfg, err := loadConfig(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 50051, cfg.GRPC.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "claim_outcomes", cfg.Events.Kafka.Topic)

	// journal 未啟用時不寫日誌
	assert.Empty(t, cfg.engineConfig().JournalPath)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"broken yaml", "engine:\n  worker_count: [1\n", "failed to parse config YAML"},
		{"unknown driver", "store:\n  driver: sqlite\n", "unknown store driver"},
		{"mysql without dsn", "store:\n  driver: mysql\n", "dsn is required"},
		{"events without brokers", "events:\n  enabled: true\n", "brokers is required"},
		{"bad log level", "log:\n  level: loud\n", "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeFile(t, "bad.yaml", tt.content))
			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSeed(t *testing.T) {
	seed, err := loadSeed(writeFile(t, "seed.yaml", testSeed))
	require.NoError(t, err)
	require.Len(t, seed.Tasks, 1)
	assert.Equal(t, types.TaskActive, seed.Tasks[0].Status)
	assert.Equal(t, "12.5", seed.Tasks[0].RewardAmount.String())
	assert.Len(t, seed.Users, 2)
	assert.Equal(t, types.UserID("u2"), seed.BuyerAccounts[1].UserID)

	_, err = loadSeed(writeFile(t, "bad.yaml", "tasks:\n  - id: t1\n    total_count: 0\n    status: active\n"))
	assert.ErrorContains(t, err, "positive total_count")

	_, err = loadSeed(writeFile(t, "bad.yaml", "tasks:\n  - id: t1\n    total_count: 1\n    status: open\n"))
	assert.ErrorContains(t, err, "invalid status")
}

func TestOpenStore_MemoryWithSeed(t *testing.T) {
	st, closeFn, err := openStore(context.Background(), StoreConfig{
		Driver:   "memory",
		SeedFile: writeFile(t, "seed.yaml", testSeed),
	})
	require.NoError(t, err)
	defer closeFn()

	ms, ok := st.(*memstore.Store)
	require.True(t, ok)
	task, ok := ms.Task("t1")
	require.True(t, ok)
	assert.Equal(t, 2, task.TotalCount)
}

func TestJournalVerifyAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.wal")
	w, err := wal.NewWAL(path, wal.DefaultOptions())
	require.NoError(t, err)
	u := types.Unit{
		ID:      "unit-1",
		Kind:    types.UnitClaim,
		Status:  types.StatusWaiting,
		Request: types.ClaimRequest{TaskID: "t1", UserID: "u1", BuyerAccountID: "a1"},
	}
	require.NoError(t, w.Append(wal.EventSubmit, u, true))
	require.NoError(t, w.Close())

	out, err := runCLI(t, "journal", "verify", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 units")
	assert.Contains(t, out, "1 events, OK")

	out, err = runCLI(t, "journal", "dump", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[seq:1] SUBMIT")

	// 尾端損毀
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err = runCLI(t, "journal", "verify", "--path", path)
	assert.Error(t, err)
	assert.Contains(t, out, "INVALID")
}

func TestServeAndClientCommands(t *testing.T) {
	cfg, err := loadConfig(writeFile(t, "config.yaml", "metrics:\n  enabled: true\n"))
	require.NoError(t, err)
	cfg.Store.SeedFile = writeFile(t, "seed.yaml", testSeed)

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, grpcLis, httpLis) }()

	addr := grpcLis.Addr().String()
	out, err := runCLI(t, "--addr", addr, "claim", "--task", "t1", "--user", "u1", "--account", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, "accepted")

	out, err = runCLI(t, "--addr", addr, "claim", "--task", "t1", "--user", "u2", "--account", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, "rejected")

	out, err = runCLI(t, "--addr", addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed:  2")
	assert.Contains(t, out, "Failed:     0")

	out, err = runCLI(t, "--addr", addr, "task", "complete", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "accepted")

	resp, err := http.Get("http://" + httpLis.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + httpLis.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
