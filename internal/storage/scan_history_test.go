package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

func TestScanHistoryDailyLimitAndCooldown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_history.json")
	h, err := NewScanHistory(path, 2, 4*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 5, 4, 1, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return now })

	if err := h.Admit("acme"); err != nil {
		t.Fatalf("fresh program throttled: %v", err)
	}

	now = now.Add(time.Hour)
	if err := h.Check("acme"); !errors.Is(err, models.ErrRunThrottled) {
		t.Fatalf("expected cooldown, got %v", err)
	}

	now = now.Add(4 * time.Hour)
	if err := h.Admit("acme"); err != nil {
		t.Fatalf("cooldown should have passed: %v", err)
	}

	now = now.Add(5 * time.Hour)
	if err := h.Check("acme"); !errors.Is(err, models.ErrRunThrottled) {
		t.Fatalf("expected daily limit, got %v", err)
	}

	now = now.Add(24 * time.Hour)
	if err := h.Check("acme"); err != nil {
		t.Fatalf("next day should be allowed: %v", err)
	}
}

func TestScanHistoryAdmitIsAtomic(t *testing.T) {
	h, err := NewScanHistory(filepath.Join(t.TempDir(), "scan_history.json"), 1, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Admit("acme")
			switch {
			case err == nil:
				admitted.Add(1)
			case !errors.Is(err, models.ErrRunThrottled):
				t.Errorf("admit: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 1 {
		t.Fatalf("%d overlapping runs admitted, want 1", got)
	}
	if ph, ok := h.Get("acme"); !ok || ph.LastScan.IsZero() {
		t.Errorf("admitted run not recorded: %+v", ph)
	}
}

func TestScanHistoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_history.json")
	h, err := NewScanHistory(path, 3, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Admit("acme"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewScanHistory(path, 3, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := reloaded.Get("acme")
	if !ok || entry.LastScan.IsZero() {
		t.Fatalf("history not persisted: %+v", entry)
	}
	if got := reloaded.Programs(); len(got) != 1 || got[0] != "acme" {
		t.Errorf("unexpected programs %v", got)
	}
}

func TestScanHistoryCorruptFileResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_history.json")
	if err := os.WriteFile(path, []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := NewScanHistory(path, 1, 0, nil)
	if err != nil {
		t.Fatalf("corrupt history should not be fatal: %v", err)
	}
	if err := h.Check("acme"); err != nil {
		t.Errorf("reset history should allow runs: %v", err)
	}
}
