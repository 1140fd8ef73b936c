package env

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/canjiangsu/EasyFlash/pkg/stats"
)

func TestMigrationOnEraseFailure(t *testing.T) {
	for _, failures := range []int{1, 3} {
		t.Run(fmt.Sprintf("failures=%d", failures), func(t *testing.T) {
			cfg := testConfig(false)
			dev := testDevice(t, cfg)
			collector := stats.NewCollector()
			store, err := NewStore(cfg, dev, WithLogger(quietLogger()), WithStats(collector))
			if err != nil {
				t.Fatalf("Failed to create store: %v", err)
			}

			before := store.ActiveAddr()
			migrationsBefore := collector.Migrations()
			remaining := failures
			dev.InjectEraseFault(func(addr, size uint32) bool {
				if addr == cfg.StartAddr || remaining == 0 {
					return false
				}
				remaining--
				return true
			})

			if err := store.Set("ip", "10.1.2.3"); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := store.Save(); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			// The detail area is smaller than one erase unit, so each
			// migration steps exactly one unit forward.
			want := before + uint32(failures)*cfg.EraseSize
			if store.ActiveAddr() != want {
				t.Errorf("Expected active block 0x%08X after %d failures, got 0x%08X",
					want, failures, store.ActiveAddr())
			}
			if slot := readWord(t, dev, cfg.StartAddr); slot != want {
				t.Errorf("Expected system slot 0x%08X, got 0x%08X", want, slot)
			}
			if got := collector.Migrations() - migrationsBefore; got != uint64(failures) {
				t.Errorf("Expected %d migrations tracked, got %d", failures, got)
			}

			// Reboot discovers the migrated block through the updated slot
			dev.InjectEraseFault(nil)
			reloaded, err := NewStore(testConfig(false), dev, WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("Failed to reload store: %v", err)
			}
			if reloaded.ActiveAddr() != want {
				t.Errorf("Expected reloaded active block 0x%08X, got 0x%08X", want, reloaded.ActiveAddr())
			}
			if got := mustGet(t, reloaded, "ip"); got != "10.1.2.3" {
				t.Errorf("Expected ip preserved across migration, got %q", got)
			}
		})
	}
}

func TestMigrationOnWriteFailure(t *testing.T) {
	cfg := testConfig(false)
	dev := testDevice(t, cfg)
	store, err := NewStore(cfg, dev, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	before := store.ActiveAddr()
	failed := false
	dev.InjectWriteFault(func(addr, size uint32) bool {
		if addr == cfg.StartAddr || failed {
			return false
		}
		failed = true
		return true
	})

	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if want := before + cfg.EraseSize; store.ActiveAddr() != want {
		t.Errorf("Expected active block 0x%08X, got 0x%08X", want, store.ActiveAddr())
	}
}

func TestMigrationStepCoversPayload(t *testing.T) {
	cfg := testConfig(false)
	dev := testDevice(t, cfg)
	store, err := NewStore(cfg, dev, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	// Grow the detail area past one erase unit so the migration step must
	// span two.
	value := strings.Repeat("x", 250)
	for i := 0; i < 3; i++ {
		if err := store.Set(fmt.Sprintf("blob_%d", i), value); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if store.detailSize() <= cfg.EraseSize {
		t.Fatalf("Detail area %d bytes, need more than one erase unit", store.detailSize())
	}

	before := store.ActiveAddr()
	failed := false
	dev.InjectEraseFault(func(addr, size uint32) bool {
		if addr == cfg.StartAddr || failed {
			return false
		}
		failed = true
		return true
	})

	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	step := (store.detailSize()/cfg.EraseSize + 1) * cfg.EraseSize
	if want := before + step; store.ActiveAddr() != want {
		t.Errorf("Expected active block 0x%08X (step %d), got 0x%08X", want, step, store.ActiveAddr())
	}
}

func TestRegionExhaustion(t *testing.T) {
	cfg := testConfig(false)
	dev := testDevice(t, cfg)
	store, err := NewStore(cfg, dev, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	dev.InjectEraseFault(func(addr, size uint32) bool {
		return addr != cfg.StartAddr
	})

	if err := store.Save(); !errors.Is(err, ErrFull) {
		t.Fatalf("Expected ErrFull, got %v", err)
	}

	// The poisoned slot reads as uninitialized, so the next boot starts
	// over from defaults.
	if slot := readWord(t, dev, cfg.StartAddr); slot != blankWord {
		t.Errorf("Expected poisoned slot 0xFFFFFFFF, got 0x%08X", slot)
	}

	dev.InjectEraseFault(nil)
	reloaded, err := NewStore(testConfig(false), dev, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to reload store: %v", err)
	}
	if got := mustGet(t, reloaded, "user"); got != "admin" {
		t.Errorf("Expected defaults after exhaustion, user=%q", got)
	}
}

func TestCommitPointPreservesPreviousBlock(t *testing.T) {
	cfg := testConfig(false)
	dev := testDevice(t, cfg)
	store, err := NewStore(cfg, dev, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Set("state", "committed"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	committed := store.ActiveAddr()

	// Next save: the block erase fails (old data stays intact), the block
	// migrates and is written, but the system slot update is cut off, as a
	// power loss there would.
	if err := store.Set("state", "tentative"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	failedData := false
	dev.InjectEraseFault(func(addr, size uint32) bool {
		if addr == cfg.StartAddr {
			return true
		}
		if !failedData {
			failedData = true
			return true
		}
		return false
	})

	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if store.ActiveAddr() == committed {
		t.Fatal("Expected the data block to migrate")
	}

	// Reboot: the slot still points at the previous block, whose image is
	// the previously committed one.
	dev.InjectEraseFault(nil)
	reloaded, err := NewStore(testConfig(false), dev, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to reload store: %v", err)
	}
	if reloaded.ActiveAddr() != committed {
		t.Errorf("Expected active block 0x%08X after reboot, got 0x%08X", committed, reloaded.ActiveAddr())
	}
	if got := mustGet(t, reloaded, "state"); got != "committed" {
		t.Errorf("Expected previous committed state, got %q", got)
	}
}

func TestSaveKeepsSlotWhenBlockUnmoved(t *testing.T) {
	cfg := testConfig(false)
	dev := testDevice(t, cfg)
	collector := stats.NewCollector()
	store, err := NewStore(cfg, dev, WithLogger(quietLogger()), WithStats(collector))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	updates := collector.GetStats()["slot_update_count"].(uint64)

	if err := store.Set("a", "1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// No migration happened, so the system slot was not rewritten
	if got := collector.GetStats()["slot_update_count"].(uint64); got != updates {
		t.Errorf("Expected %d slot updates, got %d", updates, got)
	}
}
