package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mdaerrors "github.com/infodancer/mda/errors"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 300 * time.Millisecond
	cfg.StaleAfter = time.Minute
	cfg.MinBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func TestAcquire_CreatesDotlockAndReleases(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	m := NewManager(testConfig())

	h, err := m.Acquire(context.Background(), mailbox)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := os.Stat(m.DotlockPath(mailbox)); err != nil {
		t.Fatalf("expected dotlock to exist: %v", err)
	}
	if _, err := os.Stat(mailbox); err != nil {
		t.Fatalf("expected mailbox to be created: %v", err)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(m.DotlockPath(mailbox)); !os.IsNotExist(err) {
		t.Fatalf("expected dotlock to be removed, got %v", err)
	}

	// Second release is a no-op.
	if err := h.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
}

func TestAcquire_FreshDotlockTimesOut(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	m := NewManager(testConfig())

	if err := os.WriteFile(m.DotlockPath(mailbox), []byte("99999\n"), 0644); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := m.Acquire(context.Background(), mailbox)
	if !errors.Is(err, mdaerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("returned after %v, before the full timeout", elapsed)
	}

	// The foreign lock must survive.
	if _, err := os.Stat(m.DotlockPath(mailbox)); err != nil {
		t.Fatalf("foreign dotlock was removed: %v", err)
	}
}

func TestAcquire_RemovesStaleDotlock(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	m := NewManager(testConfig())
	dotPath := m.DotlockPath(mailbox)

	if err := os.WriteFile(dotPath, []byte("99999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(dotPath, old, old); err != nil {
		t.Fatal(err)
	}

	h, err := m.Acquire(context.Background(), mailbox)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = h.Release() }()

	data, err := os.ReadFile(dotPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) == "99999\n" {
		t.Fatal("stale dotlock was not replaced")
	}
}

func TestAcquire_StaleDotlockWithLiveFlock(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	m := NewManager(testConfig())
	dotPath := m.DotlockPath(mailbox)

	// A live holder of the advisory lock.
	holder, err := tryFlock(mailbox, 0600)
	if err != nil || holder == nil {
		t.Fatalf("tryFlock: %v", err)
	}
	defer func() { _ = holder.unlock() }()

	if err := os.WriteFile(dotPath, []byte("99999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(dotPath, old, old); err != nil {
		t.Fatal(err)
	}

	_, err = m.Acquire(context.Background(), mailbox)
	if !errors.Is(err, mdaerrors.ErrStaleLockRace) {
		t.Fatalf("expected ErrStaleLockRace, got %v", err)
	}
	if !mdaerrors.Temporary(err) {
		t.Error("expected stale race to be temporary")
	}
	if _, err := os.Stat(dotPath); err != nil {
		t.Fatalf("dotlock should not be removed while flock is held: %v", err)
	}
}

func TestAcquire_FlockHeldTimesOut(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	cfg := testConfig()
	cfg.Dotlock = false
	m := NewManager(cfg)

	holder, err := tryFlock(mailbox, 0600)
	if err != nil || holder == nil {
		t.Fatalf("tryFlock: %v", err)
	}
	defer func() { _ = holder.unlock() }()

	_, err = m.Acquire(context.Background(), mailbox)
	if !errors.Is(err, mdaerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestAcquire_FlockFailureDropsDotlock(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	m := NewManager(testConfig())

	holder, err := tryFlock(mailbox, 0600)
	if err != nil || holder == nil {
		t.Fatalf("tryFlock: %v", err)
	}
	defer func() { _ = holder.unlock() }()

	if _, err := m.Acquire(context.Background(), mailbox); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(m.DotlockPath(mailbox)); !os.IsNotExist(err) {
		t.Fatalf("dotlock left behind after failed acquisition: %v", err)
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	cfg := testConfig()
	cfg.Timeout = 10 * time.Second
	m := NewManager(cfg)

	if err := os.WriteFile(m.DotlockPath(mailbox), nil, 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, mailbox)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
}

func TestAcquire_Serializes(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	cfg := testConfig()
	cfg.Timeout = 10 * time.Second
	m := NewManager(cfg)

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), mailbox)
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			if err := h.Release(); err != nil {
				t.Errorf("Release failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxSeen)
	}
}

func TestRelease_LeavesForeignDotlock(t *testing.T) {
	mailbox := filepath.Join(t.TempDir(), "alice")
	m := NewManager(testConfig())

	h, err := m.Acquire(context.Background(), mailbox)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate our lock being broken and re-taken by someone else. The
	// original is kept linked elsewhere so its inode cannot be reused.
	dotPath := m.DotlockPath(mailbox)
	if err := os.Rename(dotPath, dotPath+".broken"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dotPath, []byte("12345\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(dotPath); err != nil {
		t.Fatalf("foreign dotlock removed by Release: %v", err)
	}
}

func TestNop(t *testing.T) {
	h := Nop()
	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	var nilHandle *Handle
	if err := nilHandle.Release(); err != nil {
		t.Fatalf("nil Release failed: %v", err)
	}
}
