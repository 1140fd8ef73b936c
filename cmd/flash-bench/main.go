// flash-bench drives an in-memory flash window through set/save cycles with
// injected erase faults and reports how the wear-leveling migration behaves.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/canjiangsu/EasyFlash/pkg/common/log"
	"github.com/canjiangsu/EasyFlash/pkg/config"
	"github.com/canjiangsu/EasyFlash/pkg/env"
	"github.com/canjiangsu/EasyFlash/pkg/flash"
	"github.com/canjiangsu/EasyFlash/pkg/stats"
)

func main() {
	totalSize := flag.Uint("size", 64*1024, "region size in bytes")
	eraseSize := flag.Uint("erase", 4*1024, "erase unit in bytes")
	numKeys := flag.Int("keys", 32, "number of distinct keys")
	valueSize := flag.Int("value-size", 24, "value length in bytes")
	saves := flag.Int("saves", 1000, "number of save cycles")
	faultEvery := flag.Int("fault-every", 0, "fail every Nth data block erase (0 disables)")
	crc := flag.Bool("crc", true, "enable CRC checking")
	flag.Parse()

	cfg := config.NewDefaultConfig()
	cfg.TotalSize = uint32(*totalSize)
	cfg.EraseSize = uint32(*eraseSize)
	cfg.CRCCheck = *crc

	dev, err := flash.NewMemDevice(cfg.StartAddr, cfg.TotalSize, cfg.EraseSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating device: %s\n", err)
		os.Exit(1)
	}

	if *faultEvery > 0 {
		eraseCount := 0
		dev.InjectEraseFault(func(addr, size uint32) bool {
			if addr == cfg.StartAddr {
				// never fail the system slot, only data block erases
				return false
			}
			eraseCount++
			return eraseCount%(*faultEvery) == 0
		})
	}

	collector := stats.NewCollector()
	quiet := log.New(log.WithLevel(log.LevelError))
	store, err := env.NewStore(cfg, dev, env.WithLogger(quiet), env.WithStats(collector))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing environment: %s\n", err)
		os.Exit(1)
	}

	value := strings.Repeat("x", *valueSize)
	start := time.Now()

	var fullAt int
	completed := *saves
	for i := 0; i < *saves; i++ {
		key := fmt.Sprintf("bench_%03d", i%(*numKeys))
		if err := store.Set(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "Set failed on cycle %d: %s\n", i, err)
			os.Exit(1)
		}
		if err := store.Save(); err != nil {
			fullAt = i + 1
			completed = fullAt
			break
		}
	}

	elapsed := time.Since(start)

	fmt.Printf("Region:          %d bytes, erase unit %d bytes, CRC %v\n", cfg.TotalSize, cfg.EraseSize, cfg.CRCCheck)
	fmt.Printf("Workload:        %d save cycles, %d keys, %d byte values\n", *saves, *numKeys, *valueSize)
	if *faultEvery > 0 {
		fmt.Printf("Fault injection: every %d data block erases\n", *faultEvery)
	}
	fmt.Printf("Elapsed:         %v (%.1f saves/sec)\n", elapsed, float64(completed)/elapsed.Seconds())
	fmt.Printf("Used:            %d/%d bytes, active block 0x%08X\n", store.UsedSize(), store.TotalSize(), store.ActiveAddr())
	fmt.Printf("Migrations:      %d\n", collector.Migrations())
	fmt.Printf("Recoveries:      %d\n", collector.Recoveries())
	if fullAt > 0 {
		fmt.Printf("Region exhausted after %d saves\n", fullAt)
	}
}
