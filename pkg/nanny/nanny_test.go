package nanny

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as the worker executable
const workerEnvVar = "BURROW_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnvVar) == "1" {
		cmd := worker.NewCommand()
		cmd.SetArgs(os.Args[1:])
		os.Exit(worker.ExitCode(cmd.Execute()))
	}
	os.Exit(m.Run())
}

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

func startScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.NewScheduler(scheduler.Config{Address: "tcp://127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func newNanny(t *testing.T, schedAddr string, mutate func(*Config)) *Nanny {
	t.Helper()
	cfg := Config{
		SchedulerAddress: schedAddr,
		Command:          []string{os.Args[0]},
		Env:              map[string]string{workerEnvVar: "1"},
		LocalDirectory:   t.TempDir(),
		NThreads:         1,
		DeathTimeout:     20 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := NewNanny(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close(context.Background()) })
	return n
}

// waitForStatus reads sub until a status event for want arrives
func waitForStatus(t *testing.T, sub events.Subscriber, want types.WorkerStatus) {
	t.Helper()
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventWorkerStatus && ev.Metadata["status"] == string(want) {
				return
			}
		case <-timeout:
			t.Fatalf("no %s status event", want)
		}
	}
}

func TestNewNannyValidation(t *testing.T) {
	_, err := NewNanny(Config{})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewNanny(Config{SchedulerAddress: "tcp://127.0.0.1:1", MemoryLimit: -1})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewNanny(Config{SchedulerAddress: "tcp://127.0.0.1:1", Interface: "no-such-interface0"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestStartAndClose(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), nil)
	ctx := context.Background()

	require.NoError(t, n.Start(ctx))
	assert.Equal(t, types.WorkerStatusRunning, n.Status())
	assert.True(t, n.IsAlive())
	assert.NotZero(t, n.PID())
	assert.NotEmpty(t, n.Address())

	dir := n.WorkerDir()
	assert.DirExists(t, dir)

	workers := sched.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, n.WorkerAddress(), workers[0].Address)
	assert.Equal(t, n.Address(), workers[0].NannyAddress)
	assert.Equal(t, dir, workers[0].LocalDirectory)

	require.NoError(t, n.Close(ctx))
	assert.Equal(t, types.WorkerStatusClosed, n.Status())
	assert.False(t, n.IsAlive())
	assert.NoDirExists(t, dir)

	// worker unregistered on its way out
	assert.Empty(t, sched.Workers())

	require.NoError(t, n.Close(ctx))
}

func TestStartTwice(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), nil)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), types.ErrProtocol)
}

func TestOperationsRequireStart(t *testing.T) {
	n := newNanny(t, "tcp://127.0.0.1:1", nil)
	ctx := context.Background()

	assert.ErrorIs(t, n.Instantiate(ctx), types.ErrProtocol)
	assert.ErrorIs(t, n.Restart(ctx, time.Second), types.ErrProtocol)
	assert.NoError(t, n.Kill(ctx))
}

func TestCrashRestartsWithFreshDirectory(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), nil)
	sub := n.Events()
	defer n.Unsubscribe(sub)

	require.NoError(t, n.Start(context.Background()))
	oldPID := n.PID()
	oldDir := n.WorkerDir()
	before := testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("crash"))

	require.NoError(t, syscall.Kill(oldPID, syscall.SIGKILL))

	waitForStatus(t, sub, types.WorkerStatusRestarting)
	require.Eventually(t, func() bool {
		pid := n.PID()
		return pid != 0 && pid != oldPID && n.Status() == types.WorkerStatusRunning
	}, 20*time.Second, 20*time.Millisecond)

	newDir := n.WorkerDir()
	assert.NotEqual(t, oldDir, newDir)
	assert.DirExists(t, newDir)
	assert.NoDirExists(t, oldDir)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("crash")))

	require.NoError(t, n.Close(context.Background()))
	assert.NoDirExists(t, newDir)
	assert.NoDirExists(t, oldDir)
}

func TestStartTimesOutWithoutScheduler(t *testing.T) {
	n := newNanny(t, "tcp://127.0.0.1:1", func(c *Config) {
		c.DeathTimeout = 500 * time.Millisecond
	})

	start := time.Now()
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, types.WorkerStatusFailed, n.Status())
	assert.False(t, n.IsAlive())
	assert.NoError(t, n.Close(context.Background()))
}

func TestStartRetriesBrokenCommand(t *testing.T) {
	sched := startScheduler(t)
	local := t.TempDir()
	n := newNanny(t, sched.Address(), func(c *Config) {
		c.Command = []string{filepath.Join(local, "no-such-worker")}
		c.LocalDirectory = local
		c.DeathTimeout = time.Second
	})

	err := n.Start(context.Background())
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, types.WorkerStatusFailed, n.Status())

	entries, err := os.ReadDir(local)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed attempts leave no working directories behind")
}

func TestZeroMemoryLimitHasNoMonitor(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), nil)

	require.NoError(t, n.Start(context.Background()))
	assert.Nil(t, n.monitorStop)
}

func TestMemoryLimitRestartsWorker(t *testing.T) {
	sched := startScheduler(t)
	var buf syncBuffer
	logger := zerolog.New(&buf)
	n := newNanny(t, sched.Address(), func(c *Config) {
		c.Logger = &logger
		c.MemoryLimit = 1
		c.MemoryMonitorInterval = 50 * time.Millisecond
	})
	before := testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("memory"))

	require.NoError(t, n.Start(context.Background()))
	require.NotNil(t, n.monitorStop)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("memory")) > before
	}, 20*time.Second, 20*time.Millisecond)

	require.NoError(t, n.Close(context.Background()))
	out := buf.String()
	assert.Contains(t, out, `"reason":"memory"`)
	assert.Contains(t, out, "restarting worker")
}

func TestKillInstantiateRestart(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), nil)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	dir := n.WorkerDir()
	require.NoError(t, n.Kill(ctx))
	assert.False(t, n.IsAlive())
	assert.Equal(t, types.WorkerStatusStopped, n.Status())
	assert.NoDirExists(t, dir)
	require.NoError(t, n.Kill(ctx))

	require.NoError(t, n.Instantiate(ctx))
	assert.True(t, n.IsAlive())
	assert.Equal(t, types.WorkerStatusRunning, n.Status())
	pid := n.PID()

	require.NoError(t, n.Instantiate(ctx))
	assert.Equal(t, pid, n.PID())

	before := testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("request"))
	require.NoError(t, n.Restart(ctx, 0))
	assert.NotEqual(t, pid, n.PID())
	assert.Equal(t, types.WorkerStatusRunning, n.Status())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("request")))
}

func TestRPCMethods(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), nil)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	d, err := rpc.NewDialer(nil, types.RoleClient)
	require.NoError(t, err)
	conn, err := d.Dial(n.Address())
	require.NoError(t, err)
	defer conn.Close()

	var id types.Identity
	require.NoError(t, conn.Call(ctx, MethodIdentity, nil, &id))
	assert.Equal(t, "Nanny", id.Type)
	assert.Equal(t, n.ID(), id.ID)

	var st StatusReply
	require.NoError(t, conn.Call(ctx, MethodStatus, nil, &st))
	assert.Equal(t, types.WorkerStatusRunning, st.Status)
	assert.Equal(t, n.WorkerAddress(), st.WorkerAddress)

	pid := n.PID()
	require.NoError(t, conn.Call(ctx, MethodRestart, map[string]any{"timeout": 20}, &st))
	assert.Equal(t, types.WorkerStatusRunning, st.Status)
	assert.NotEqual(t, pid, st.PID)

	require.NoError(t, conn.Call(ctx, MethodKill, nil, nil))
	require.NoError(t, conn.Call(ctx, MethodStatus, nil, &st))
	assert.Equal(t, types.WorkerStatusStopped, st.Status)

	require.NoError(t, conn.Call(ctx, MethodTerminate, nil, nil))
	require.Eventually(t, func() bool {
		return n.Status() == types.WorkerStatusClosed
	}, 10*time.Second, 20*time.Millisecond)
}

func TestWorkerArgsAndEnv(t *testing.T) {
	t.Setenv("BURROW_COMM__TLS__CA_FILE", "/stale/ca.pem")

	sec, err := security.New(config.FromMap(map[string]any{config.KeyRequireEncryption: true}), nil)
	require.NoError(t, err)

	n := newNanny(t, "tcp://10.0.0.1:8786", func(c *Config) {
		c.Command = []string{"/usr/bin/burrow", "worker"}
		c.Security = sec
		c.Host = "0.0.0.0"
		c.WorkerPorts = network.PortRange{Low: 9000, High: 9100}
		c.NThreads = 4
		c.Name = "alice"
		c.Resources = map[string]float64{"GPU": 2, "MEM": 1.5}
		c.Env = map[string]string{"OMP_NUM_THREADS": "1"}
	})
	n.schedulerAddr = "tcp://10.0.0.1:8786"

	args := strings.Join(n.workerArgs("/tmp/w", 9000), " ")
	assert.True(t, strings.HasPrefix(args, "/usr/bin/burrow worker tcp://10.0.0.1:8786 "))
	for _, want := range []string{
		"--listen tcp://0.0.0.0:9000",
		"--nthreads 4",
		"--local-directory /tmp/w",
		"--name alice",
		"--resources GPU=2 --resources MEM=1.5",
		"--store memory",
	} {
		assert.Contains(t, args, want)
	}

	env := n.workerEnv()
	assert.NotContains(t, env, "BURROW_COMM__TLS__CA_FILE=/stale/ca.pem")
	assert.Contains(t, env, "BURROW_COMM__REQUIRE_ENCRYPTION=true")
	assert.Contains(t, env, "OMP_NUM_THREADS=1")
}

func TestStartPurgesStaleDirectories(t *testing.T) {
	sched := startScheduler(t)
	local := t.TempDir()

	stale := filepath.Join(local, "worker-left-behind")
	require.NoError(t, os.Mkdir(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, ".owner"), []byte("1073741824"), 0o644))
	foreign := filepath.Join(local, "worker-no-owner")
	require.NoError(t, os.Mkdir(foreign, 0o755))

	n := newNanny(t, sched.Address(), func(c *Config) { c.LocalDirectory = local })
	require.NoError(t, n.Start(context.Background()))

	assert.NoDirExists(t, stale)
	assert.DirExists(t, foreign)
	assert.DirExists(t, n.WorkerDir())
}

func TestWorkerPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), func(c *Config) {
		c.WorkerPorts = network.PortRange{Low: taken, High: taken}
		c.DeathTimeout = 2 * time.Second
	})

	err = n.Start(context.Background())
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, types.WorkerStatusFailed, n.Status())
}

func TestWorkerPortRangeSkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port
	if taken >= 65530 {
		t.Skip("no room above the busy port")
	}

	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), func(c *Config) {
		c.WorkerPorts = network.PortRange{Low: taken, High: taken + 5}
	})

	require.NoError(t, n.Start(context.Background()))
	assert.False(t, strings.HasSuffix(n.WorkerAddress(), ":"+strconv.Itoa(taken)), n.WorkerAddress())
}

func TestUnresponsiveWorkerIsRestarted(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), func(c *Config) {
		c.Liveness = &health.Config{Interval: 50 * time.Millisecond, Timeout: 200 * time.Millisecond, Retries: 2}
	})
	sub := n.Events()
	defer n.Unsubscribe(sub)

	require.NoError(t, n.Start(context.Background()))
	oldPID := n.PID()
	before := testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("unresponsive"))

	// a stopped process keeps its socket but never answers
	require.NoError(t, syscall.Kill(oldPID, syscall.SIGSTOP))

	waitForStatus(t, sub, types.WorkerStatusRestarting)
	require.Eventually(t, func() bool {
		pid := n.PID()
		return pid != 0 && pid != oldPID && n.Status() == types.WorkerStatusRunning
	}, 20*time.Second, 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("unresponsive")))
}

func TestUnknownLivenessCheck(t *testing.T) {
	_, err := NewNanny(Config{
		SchedulerAddress: "tcp://127.0.0.1:1",
		Liveness:         &health.Config{},
		LivenessCheck:    "exec",
	})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestNoReconnectClosesWhenSchedulerStops(t *testing.T) {
	sched := startScheduler(t)
	n := newNanny(t, sched.Address(), func(c *Config) {
		c.NoReconnect = true
		c.Env[config.EnvName(config.DefaultEnvPrefix, config.KeyHeartbeatInterval)] = "50ms"
	})
	before := testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("crash"))

	require.NoError(t, n.Start(context.Background()))
	assert.Contains(t, n.workerArgs("/tmp/w", 0), "--no-reconnect")
	dir := n.WorkerDir()

	sched.Stop(context.Background())

	select {
	case <-n.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("nanny did not close after its worker lost the scheduler")
	}
	assert.Equal(t, types.WorkerStatusClosed, n.Status())
	assert.False(t, n.IsAlive())
	assert.NoDirExists(t, dir)
	assert.Equal(t, before, testutil.ToFloat64(metrics.NannyRestartsTotal.WithLabelValues("crash")))
}

func TestCloseInterruptsStart(t *testing.T) {
	n := newNanny(t, "tcp://127.0.0.1:1", nil)

	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return n.Status() == types.WorkerStatusStarting
	}, 5*time.Second, 10*time.Millisecond)

	begin := time.Now()
	require.NoError(t, n.Close(context.Background()))
	assert.Less(t, time.Since(begin), 5*time.Second)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept running after Close")
	}
	assert.Equal(t, types.WorkerStatusClosed, n.Status())
}

func TestParseMemoryLimit(t *testing.T) {
	const total = 16 << 30
	tests := []struct {
		in       string
		nthreads int
		cores    int
		want     int64
		wantErr  bool
	}{
		{"0", 4, 8, 0, false},
		{"auto", 2, 8, 4 << 30, false},
		{"auto", 16, 8, total, false},
		{"0.5", 4, 8, 8 << 30, false},
		{"1", 4, 8, total, false},
		{"2GiB", 4, 8, 2 << 30, false},
		{"64GiB", 4, 8, total, false},
		{"plenty", 4, 8, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemoryLimit(tt.in, tt.nthreads, tt.cores, total)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseMemoryLimit("auto", 1, 1, 0)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestSystemMemory(t *testing.T) {
	if _, err := os.Stat("/proc/meminfo"); err != nil {
		t.Skip("no /proc/meminfo")
	}
	total, err := SystemMemory()
	require.NoError(t, err)
	assert.Positive(t, total)
}

func TestSiblingNanniesGetTheirOwnEnvironment(t *testing.T) {
	if _, err := os.Stat("/proc/self/environ"); err != nil {
		t.Skip("no /proc")
	}
	sched := startScheduler(t)
	const key = "BURROW_TEST_SIBLING"

	var nannies []*Nanny
	for _, value := range []string{"left", "right"} {
		n := newNanny(t, sched.Address(), func(c *Config) {
			c.Env[key] = value
			c.Name = "sib-" + value
		})
		require.NoError(t, n.Start(context.Background()))
		nannies = append(nannies, n)
	}
	require.Len(t, sched.Workers(), 2)

	for i, value := range []string{"left", "right"} {
		proc, err := procfs.NewProc(nannies[i].PID())
		require.NoError(t, err)
		env, err := proc.Environ()
		require.NoError(t, err)
		assert.Contains(t, env, key+"="+value)
		assert.NotContains(t, env, key+"="+[]string{"right", "left"}[i])
	}
}
