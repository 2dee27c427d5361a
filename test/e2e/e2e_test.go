// Package e2e drives the built binaries and the full engine contract from the
// outside: the monitor server over HTTP, ckptctl as a subprocess, and a
// complete training loop against the in-process fake backend.
package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yottalabsai/verl/engine"
	"github.com/yottalabsai/verl/engine/enginetest"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running monitor subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	buildMu  sync.Mutex
	binaries = map[string]string{}
	buildErr error
)

// getBinary builds cmd/<name> once per test run and returns the binary path.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildMu.Lock()
	defer buildMu.Unlock()

	if buildErr != nil {
		t.Fatal(buildErr)
	}
	if path, ok := binaries[name]; ok {
		return path
	}

	dir, err := os.MkdirTemp("", "verl-e2e-*")
	if err != nil {
		buildErr = err
		t.Fatal(buildErr)
	}
	binary := filepath.Join(dir, name)
	cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
	cmd.Dir = findRepoRoot(t)
	out, err := cmd.CombinedOutput()
	if err != nil {
		buildErr = fmt.Errorf("go build ./cmd/%s failed: %w\n%s", name, err, out)
		t.Fatal(buildErr)
	}
	binaries[name] = binary
	return binary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startMonitor launches the monitor binary over root and waits for readiness.
func startMonitor(t *testing.T, binary, root string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"VERL_MONITOR_ADDR="+addr,
		"VERL_CKPT_ROOT="+root,
		"VERL_LOG_LEVEL=info",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start monitor: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("monitor did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// newFakeEngine constructs and initializes a fake backend through the
// registry, as an orchestrator would.
func newFakeEngine(t *testing.T, cfg enginetest.FakeConfig) engine.Engine {
	t.Helper()

	reg := engine.NewRegistry()
	if err := enginetest.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e, err := reg.New(enginetest.Key, cfg)
	if err != nil {
		t.Fatalf("registry New: %v", err)
	}
	if err := e.InitModel(context.Background()); err != nil {
		t.Fatalf("InitModel: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// saveSteps saves one checkpoint per step into root using a fake engine.
func saveSteps(t *testing.T, root string, steps []int) {
	t.Helper()
	ctx := context.Background()
	e := newFakeEngine(t, enginetest.FakeConfig{Params: []float64{0.5, -1}, LR: 0.1})
	for _, step := range steps {
		if _, err := e.SaveCheckpoint(ctx, engine.SaveOptions{LocalPath: root, GlobalStep: step}); err != nil {
			t.Fatalf("SaveCheckpoint(step %d): %v", step, err)
		}
	}
}
