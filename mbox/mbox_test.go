package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mda"
	mdaerrors "github.com/infodancer/mda/errors"
)

func testConfig() mda.Config {
	cfg := mda.DefaultConfig()
	cfg.LockTimeout = 5 * time.Second
	cfg.RetryMinBackoff = 5 * time.Millisecond
	cfg.RetryMaxBackoff = 20 * time.Millisecond
	cfg.DeferSignals = false
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newEngine(t *testing.T, cfg mda.Config) *mda.Engine {
	t.Helper()
	e, err := mda.New(cfg)
	if err != nil {
		t.Fatalf("mda.New failed: %v", err)
	}
	return e
}

func mboxTarget(t *testing.T) mda.Target {
	t.Helper()
	return mda.Target{Path: filepath.Join(t.TempDir(), "inbox"), Format: mda.FormatMbox}
}

func TestRegistered(t *testing.T) {
	for _, f := range mda.RegisteredFormats() {
		if f == mda.FormatMbox {
			return
		}
	}
	t.Fatal("mbox format not registered")
}

func TestNew_LockSettings(t *testing.T) {
	cfg := testConfig()
	cfg.LockMinBackoff = 7 * time.Millisecond
	cfg.LockMaxBackoff = 300 * time.Millisecond
	cfg.DotlockSuffix = ".lck"

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got := w.locks.Config()
	if got.MinBackoff != cfg.LockMinBackoff || got.MaxBackoff != cfg.LockMaxBackoff {
		t.Errorf("lock backoff = %v..%v, want %v..%v", got.MinBackoff, got.MaxBackoff, cfg.LockMinBackoff, cfg.LockMaxBackoff)
	}
	if got.Timeout != cfg.LockTimeout || got.Suffix != ".lck" {
		t.Errorf("lock config = %+v", got)
	}
}

func TestDeliver_RoundTrip(t *testing.T) {
	e := newEngine(t, testConfig())
	target := mboxTarget(t)

	payload := "From: a@example.com\nSubject: test\n\nhi\nFrom hacker evil\n"
	msg := mda.MessageFromBytes([]byte(payload))
	msg.Envelope = mda.Envelope{From: "a@example.com", ReceivedTime: testTime}

	d, err := e.Deliver(context.Background(), msg, target)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	data, err := os.ReadFile(target.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), "From a@example.com Tue Mar  5 14:07:09 2024\n") {
		t.Errorf("unexpected separator: %q", data)
	}
	if !strings.Contains(string(data), "\n>From hacker evil\n") {
		t.Errorf("body From line not escaped: %q", data)
	}
	if d.Bytes != int64(len(data)) {
		t.Errorf("Delivery.Bytes = %d, file is %d", d.Bytes, len(data))
	}
	if d.Location != target.Path {
		t.Errorf("Location = %q", d.Location)
	}

	msgs := splitMbox(t, string(data))
	if len(msgs) != 1 || msgs[0] != payload {
		t.Fatalf("round trip mismatch: %q", msgs)
	}

	if _, err := os.Stat(target.Path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("dotlock left behind: %v", err)
	}
}

func TestDeliver_PadsExistingMailbox(t *testing.T) {
	e := newEngine(t, testConfig())
	target := mboxTarget(t)

	existing := "From x Tue Mar  5 14:07:09 2024\nSubject: old\n\nno trailing blank"
	if err := os.WriteFile(target.Path, []byte(existing), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Deliver(context.Background(), mda.MessageFromBytes([]byte("Subject: new\n\nbody\n")), target); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	data, _ := os.ReadFile(target.Path)
	if !strings.HasPrefix(string(data), existing+"\n\nFrom MAILER-DAEMON ") {
		t.Fatalf("existing content not padded: %q", data)
	}
	if msgs := splitMbox(t, string(data)); len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestDeliver_Concurrent(t *testing.T) {
	const n = 20

	e := newEngine(t, testConfig())
	target := mboxTarget(t)

	payloads := make([]string, n)
	var want int64
	for i := range payloads {
		payloads[i] = fmt.Sprintf("Subject: %d\n\n%s\nFrom line %d\n", i, strings.Repeat("x", i*100), i)
		k, err := Encode(io.Discard, "", time.Now(), []byte(payloads[i]))
		if err != nil {
			t.Fatal(err)
		}
		want += k
	}

	var g errgroup.Group
	for i := range payloads {
		g.Go(func() error {
			_, err := e.Deliver(context.Background(), mda.MessageFromBytes([]byte(payloads[i])), target)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent delivery failed: %v", err)
	}

	data, err := os.ReadFile(target.Path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) != want {
		t.Errorf("mailbox is %d bytes, want %d", len(data), want)
	}

	seen := make(map[string]bool)
	for _, m := range splitMbox(t, string(data)) {
		seen[m] = true
	}
	for i, p := range payloads {
		if !seen[p] {
			t.Errorf("message %d missing or corrupted", i)
		}
	}
}

// helperEnv names the mailbox a re-executed test binary delivers to.
const helperEnv = "MBOX_TEST_HELPER_PATH"

// TestHelperProcessDeliver runs inside child processes started by
// TestDeliver_ConcurrentProcesses and does nothing otherwise.
func TestHelperProcessDeliver(t *testing.T) {
	path := os.Getenv(helperEnv)
	if path == "" {
		return
	}
	e := newEngine(t, testConfig())
	msg := mda.MessageFromBytes([]byte(os.Getenv("MBOX_TEST_HELPER_PAYLOAD")))
	if _, err := e.Deliver(context.Background(), msg, mda.Target{Path: path, Format: mda.FormatMbox}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
}

func TestDeliver_ConcurrentProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("starts child processes")
	}
	const n = 8

	target := mboxTarget(t)
	payloads := make([]string, n)
	var want int64
	for i := range payloads {
		payloads[i] = fmt.Sprintf("Subject: proc %d\n\n%s\nFrom process %d\n", i, strings.Repeat("y", i*200), i)
		k, err := Encode(io.Discard, "", time.Now(), []byte(payloads[i]))
		if err != nil {
			t.Fatal(err)
		}
		want += k
	}

	var g errgroup.Group
	for i := range payloads {
		g.Go(func() error {
			cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcessDeliver$")
			cmd.Env = append(os.Environ(),
				helperEnv+"="+target.Path,
				"MBOX_TEST_HELPER_PAYLOAD="+payloads[i],
			)
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("process %d: %w\n%s", i, err, out)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(target.Path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) != want {
		t.Errorf("mailbox is %d bytes, want %d", len(data), want)
	}
	seen := make(map[string]bool)
	for _, m := range splitMbox(t, string(data)) {
		seen[m] = true
	}
	for i, p := range payloads {
		if !seen[p] {
			t.Errorf("message from process %d missing or corrupted", i)
		}
	}
	if _, err := os.Stat(target.Path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("dotlock left behind: %v", err)
	}
}

func TestDeliver_TruncatedLeavesNoTrace(t *testing.T) {
	e := newEngine(t, testConfig())
	target := mboxTarget(t)

	msg := mda.NewMessage(strings.NewReader("Subject: short\n\n"), 1000)
	_, err := e.Deliver(context.Background(), msg, target)
	if !errors.Is(err, mdaerrors.ErrTruncatedMessage) {
		t.Fatalf("expected ErrTruncatedMessage, got %v", err)
	}
	if _, err := os.Stat(target.Path); !os.IsNotExist(err) {
		t.Errorf("mailbox touched by truncated delivery: %v", err)
	}
}

func TestDeliver_FreshDotlockTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.LockTimeout = 200 * time.Millisecond
	cfg.Retries = 0
	e := newEngine(t, cfg)
	target := mboxTarget(t)

	if err := os.WriteFile(target.Path+".lock", []byte("12345\n"), 0600); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := e.Deliver(context.Background(), mda.MessageFromBytes([]byte("Subject: x\n\n")), target)
	if !errors.Is(err, mdaerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !mdaerrors.Temporary(err) {
		t.Error("lock timeout should be temporary")
	}
	if elapsed := time.Since(start); elapsed < cfg.LockTimeout {
		t.Errorf("gave up after %v, before the timeout", elapsed)
	}
	if data, _ := os.ReadFile(target.Path); len(data) != 0 {
		t.Errorf("mailbox written without the lock: %q", data)
	}
}

func TestDeliver_StaleDotlockRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.StaleLockThreshold = time.Minute
	e := newEngine(t, cfg)
	target := mboxTarget(t)

	dot := target.Path + ".lock"
	if err := os.WriteFile(dot, []byte("99999\n"), 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(dot, old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Deliver(context.Background(), mda.MessageFromBytes([]byte("Subject: x\n\nbody\n")), target); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, err := os.Stat(dot); !os.IsNotExist(err) {
		t.Errorf("dotlock not cleaned up: %v", err)
	}
	if msgs := splitMbox(t, mustRead(t, target.Path)); len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestDeliver_RefusesSymlink(t *testing.T) {
	cfg := testConfig()
	cfg.Dotlock = false
	e := newEngine(t, cfg)

	dir := t.TempDir()
	dest := filepath.Join(dir, "real")
	if err := os.WriteFile(dest, nil, 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "inbox")
	if err := os.Symlink(dest, link); err != nil {
		t.Fatal(err)
	}

	_, err := e.Deliver(context.Background(), mda.MessageFromBytes([]byte("x\n")), mda.Target{Path: link, Format: mda.FormatMbox})
	if err == nil {
		t.Fatal("expected delivery through symlink to fail")
	}
	if mdaerrors.Temporary(err) {
		t.Errorf("symlink refusal should be permanent: %v", err)
	}
	if data := mustRead(t, dest); data != "" {
		t.Errorf("symlink target written: %q", data)
	}
}

func TestPlace_RequiresAppendStage(t *testing.T) {
	w, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Place(&fakeStaged{}, mda.Envelope{}, []byte("x"))
	if !errors.Is(err, mdaerrors.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}

type fakeStaged struct{ bytes.Buffer }

func (*fakeStaged) Commit() (string, error) { return "", nil }
func (*fakeStaged) Abort() error            { return nil }

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile %s: %v", path, err)
	}
	return string(data)
}
