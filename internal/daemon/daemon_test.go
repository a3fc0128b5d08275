// Package daemon tests start real daemon instances on sockets under a
// temp directory, with the root requirement switched off, and drive them
// through the client library and raw connections.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xerolinux/xero-auth/internal/client"
	"github.com/xerolinux/xero-auth/internal/protocol"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDaemon runs a daemon on a fresh socket and returns the socket path
// and a channel that closes when Run returns.
func startDaemon(t *testing.T, cfg Config) (string, <-chan struct{}) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "xero-authd.sock")
	cfg.SocketPath = path
	if cfg.EffectiveUID == 0 {
		cfg.EffectiveUID = -1
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger()
	}

	d := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := d.Run(ctx); err != nil {
			t.Errorf("daemon Run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
	return path, stopped
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func dial(t *testing.T, path string) *client.Client {
	t.Helper()
	c, err := client.DialPath(path, time.Second)
	if err != nil {
		t.Fatalf("DialPath failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPing(t *testing.T) {
	path, _ := startDaemon(t, Config{})
	c := dial(t, path)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestExecute(t *testing.T) {
	path, _ := startDaemon(t, Config{})

	t.Run("echo streams its output and exits zero", func(t *testing.T) {
		c := dial(t, path)
		var lines []string
		code, err := c.Execute("echo", []string{"hello"}, nil, "",
			func(line string) { lines = append(lines, line) }, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if code != 0 {
			t.Errorf("got exit code %d, want 0", code)
		}
		found := false
		for _, line := range lines {
			if line == "hello" {
				found = true
			}
		}
		if !found {
			t.Errorf("output %q does not contain %q", lines, "hello")
		}
	})

	t.Run("remote exit code is mirrored", func(t *testing.T) {
		c := dial(t, path)
		code, err := c.Execute("sh", []string{"-c", "exit 3"}, nil, "", nil, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if code != 3 {
			t.Errorf("got exit code %d, want 3", code)
		}
	})

	t.Run("sigkill maps to 137", func(t *testing.T) {
		c := dial(t, path)
		code, err := c.Execute("sh", []string{"-c", "kill -KILL $$"}, nil, "", nil, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if code != 137 {
			t.Errorf("got exit code %d, want 137", code)
		}
	})

	t.Run("missing program yields an error line and 127", func(t *testing.T) {
		c := dial(t, path)
		var errLines []string
		code, err := c.Execute("definitely-not-a-real-program", nil, nil, "",
			nil, func(line string) { errLines = append(errLines, line) })
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if code != 127 {
			t.Errorf("got exit code %d, want 127", code)
		}
		if len(errLines) == 0 {
			t.Error("expected an error line describing the start failure")
		}
	})

	t.Run("multi-megabyte single output line arrives intact", func(t *testing.T) {
		c := dial(t, path)
		var lines []string
		code, err := c.Execute("sh", []string{"-c", "head -c 2097152 /dev/zero | tr '\\0' 'a'; echo"}, nil, "",
			func(line string) { lines = append(lines, line) }, nil)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if code != 0 {
			t.Errorf("got exit code %d, want 0", code)
		}
		longest := 0
		for _, line := range lines {
			if len(line) > longest {
				longest = len(line)
			}
		}
		if longest != 2*1024*1024 {
			t.Errorf("got longest line of %d bytes, want %d", longest, 2*1024*1024)
		}
	})

	t.Run("multiple sequential commands on one connection", func(t *testing.T) {
		c := dial(t, path)
		for i, want := range []string{"first", "second", "third"} {
			var lines []string
			code, err := c.Execute("echo", []string{want}, nil, "",
				func(line string) { lines = append(lines, line) }, nil)
			if err != nil {
				t.Fatalf("Execute %d failed: %v", i, err)
			}
			if code != 0 {
				t.Errorf("command %d: got exit code %d, want 0", i, code)
			}
			if len(lines) != 1 || lines[0] != want {
				t.Errorf("command %d: got output %q, want [%q]", i, lines, want)
			}
		}
	})
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	path, _ := startDaemon(t, Config{})

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r := protocol.NewReader(conn)
	msg, err := r.ReadDaemon()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != protocol.DaemonErrorMessage {
		t.Fatalf("got %q, want %q", msg.Type, protocol.DaemonErrorMessage)
	}

	// The connection survives one bad line.
	w := protocol.NewWriter(conn)
	if err := w.WriteClient(&protocol.ClientMessage{Type: protocol.ClientPing}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg, err = r.ReadDaemon()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != protocol.DaemonPong {
		t.Errorf("got %q, want %q", msg.Type, protocol.DaemonPong)
	}
}

func TestShutdown(t *testing.T) {
	path, stopped := startDaemon(t, Config{})

	c := dial(t, path)
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after shutdown request")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected socket file to be removed after shutdown")
	}
	if _, err := client.DialPath(path, 200*time.Millisecond); err == nil {
		t.Error("expected connection to fail after shutdown")
	}
}

func TestConcurrentClientsAreIsolated(t *testing.T) {
	path, _ := startDaemon(t, Config{})

	run := func(marker string) ([]string, error) {
		c, err := client.DialPath(path, time.Second)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		var lines []string
		script := fmt.Sprintf("for i in 1 2 3 4 5; do echo %s-$i; done", marker)
		code, err := c.Execute("sh", []string{"-c", script}, nil, "",
			func(line string) { lines = append(lines, line) }, nil)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, fmt.Errorf("exit code %d", code)
		}
		return lines, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, 2)
	errs := make([]error, 2)
	for i, marker := range []string{"alpha", "bravo"} {
		wg.Add(1)
		go func(i int, marker string) {
			defer wg.Done()
			results[i], errs[i] = run(marker)
		}(i, marker)
	}
	wg.Wait()

	for i, marker := range []string{"alpha", "bravo"} {
		if errs[i] != nil {
			t.Fatalf("client %s failed: %v", marker, errs[i])
		}
		if len(results[i]) != 5 {
			t.Errorf("client %s: got %d lines, want 5: %q", marker, len(results[i]), results[i])
		}
		for _, line := range results[i] {
			if !strings.HasPrefix(line, marker+"-") {
				t.Errorf("client %s received foreign line %q", marker, line)
			}
		}
	}
}

// fakeParent spawns a long sleep to stand in for the launching process.
func fakeParent(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start fake parent: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func TestParentLiveness(t *testing.T) {
	t.Run("daemon exits and removes socket after parent dies", func(t *testing.T) {
		parent := fakeParent(t)
		path, stopped := startDaemon(t, Config{
			ParentPID:          parent.Process.Pid,
			ParentPollInterval: 50 * time.Millisecond,
		})

		parent.Process.Kill()
		parent.Wait()

		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not stop after parent death")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("expected socket file to be removed")
		}
	})

	t.Run("request racing the parent's death is rejected", func(t *testing.T) {
		parent := fakeParent(t)
		// Polling effectively disabled; only the synchronous pre-dispatch
		// check can catch the death.
		path, _ := startDaemon(t, Config{
			ParentPID:          parent.Process.Pid,
			ParentPollInterval: time.Hour,
		})

		c := dial(t, path)
		if err := c.Ping(); err != nil {
			t.Fatalf("Ping before parent death failed: %v", err)
		}

		parent.Process.Kill()
		parent.Wait()

		c2 := dial(t, path)
		if err := c2.Ping(); err == nil {
			t.Error("expected request after parent death to be rejected")
		}
	})
}
