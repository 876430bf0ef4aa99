// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func createTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(dir, "locks"), WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManager(t *testing.T) {
	t.Run("creates lock directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		m := createTestManager(t, tmpDir)
		if _, err := os.Stat(m.Dir()); err != nil {
			t.Errorf("lock directory was not created: %v", err)
		}
	})

	t.Run("fails when directory cannot be created", func(t *testing.T) {
		tmpDir := t.TempDir()
		blocker := filepath.Join(tmpDir, "file")
		if err := os.WriteFile(blocker, nil, 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewManager(filepath.Join(blocker, "locks")); err == nil {
			t.Error("expected error when lock dir parent is a file")
		}
	})

	t.Run("default directory is per user", func(t *testing.T) {
		cache := t.TempDir()
		t.Setenv("XDG_CACHE_HOME", cache)
		t.Setenv("HOME", cache)
		t.Setenv("LocalAppData", cache)

		want, err := os.UserCacheDir()
		if err != nil {
			t.Fatalf("UserCacheDir: %v", err)
		}
		if got := DefaultDir(); got != filepath.Join(want, "patchfile", "locks") {
			t.Errorf("DefaultDir() = %s, want under %s", got, want)
		}
	})

	t.Run("rejects a file as lock directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		blocker := filepath.Join(tmpDir, "locks")
		if err := os.WriteFile(blocker, nil, 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewManager(blocker); err == nil {
			t.Error("expected error when lock dir is a file")
		}
	})
}

func TestManager_SidecarUnavailable(t *testing.T) {
	dir := t.TempDir()
	m := createTestManager(t, dir)
	if err := os.RemoveAll(m.Dir()); err != nil {
		t.Fatal(err)
	}

	release, err := m.Acquire(context.Background(), "/repo/a.py")
	if err == nil {
		release()
		t.Fatal("expected error when the lock directory is gone")
	}
	if !errors.Is(err, ErrLockUnavailable) {
		t.Errorf("error = %v, want ErrLockUnavailable", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		t.Errorf("setup failure must not look like contention: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("in-process entry leaked after failure: %d", m.Len())
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	m := createTestManager(t, t.TempDir())
	path := "/repo/a.py"

	release, err := m.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
	if _, err := os.Stat(m.SidecarPath(path)); err != nil {
		t.Errorf("sidecar not created: %v", err)
	}

	release()
	release() // second call is a no-op

	if m.Len() != 0 {
		t.Errorf("Len() = %d after release, want 0", m.Len())
	}

	release, err = m.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	release()
}

func TestManager_SerializesSamePath(t *testing.T) {
	m := createTestManager(t, t.TempDir())
	path := "/repo/a.py"

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), path)
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if m.Len() != 0 {
		t.Errorf("entries leaked: %d", m.Len())
	}
}

func TestManager_DifferentPathsIndependent(t *testing.T) {
	m := createTestManager(t, t.TempDir())

	releaseA, err := m.Acquire(context.Background(), "/repo/a.py")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := m.Acquire(ctx, "/repo/b.py")
	if err != nil {
		t.Fatalf("second path blocked: %v", err)
	}
	releaseB()
}

func TestManager_ContextCancelWhileWaiting(t *testing.T) {
	m := createTestManager(t, t.TempDir())
	path := "/repo/a.py"

	release, err := m.Acquire(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, path)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("waiter reference not dropped: Len() = %d", m.Len())
	}
}

func TestManager_CrossManagerExclusion(t *testing.T) {
	// Two managers sharing a lock directory stand in for two processes.
	tmpDir := t.TempDir()
	m1 := createTestManager(t, tmpDir)
	m2 := createTestManager(t, tmpDir)
	path := "/repo/shared.py"

	release1, err := m1.Acquire(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = m2.Acquire(ctx, path)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected m2 to wait on m1's lock, got %v", err)
	}

	acquired := make(chan func(), 1)
	go func() {
		release2, err := m2.Acquire(context.Background(), path)
		if err != nil {
			t.Errorf("m2 Acquire failed: %v", err)
			acquired <- func() {}
			return
		}
		acquired <- release2
	}()

	time.Sleep(20 * time.Millisecond)
	release1()

	select {
	case release2 := <-acquired:
		release2()
	case <-time.After(2 * time.Second):
		t.Fatal("m2 never acquired the lock after m1 released it")
	}
}

func TestManager_SidecarPathStable(t *testing.T) {
	m := createTestManager(t, t.TempDir())
	a := m.SidecarPath("/repo/a.py")
	if a != m.SidecarPath("/repo/a.py") {
		t.Error("sidecar path not deterministic")
	}
	if a == m.SidecarPath("/repo/b.py") {
		t.Error("different paths share a sidecar")
	}
	if filepath.Dir(a) != m.Dir() {
		t.Errorf("sidecar %s outside lock dir", a)
	}
}
