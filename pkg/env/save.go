package env

import (
	"encoding/binary"
	"errors"

	"github.com/canjiangsu/EasyFlash/pkg/flash"
	"github.com/canjiangsu/EasyFlash/pkg/stats"
)

// Save flushes the RAM image to the active data block. When an erase or
// program operation fails, the block migrates forward by enough erase units
// to cover the payload and the attempt is retried; erase, program and
// out-of-range failures never reach the caller. Only exhausting the region
// surfaces as ErrFull, which also poisons the system slot so the next boot
// starts from defaults. Any other device error (an unaligned access) aborts
// the save and is returned as is.
//
// The system slot is the commit point: it is rewritten only after the block
// has been fully programmed at its new address, so a crash in between
// reverts to the previous, still-consistent block.
func (s *Store) Save() error {
	s.stats.TrackOperation(stats.OpSave)

	start := s.cfg.StartAddr
	total := s.cfg.TotalSize
	entryActive := s.active
	detailSize := s.detailSize()
	imageLen := s.header + detailSize

	for s.active+detailSize < start+total {
		if s.cfg.CRCCheck {
			// The end address word moves with every migration, so the CRC
			// is recomputed per attempt.
			binary.LittleEndian.PutUint32(s.image[4:8], s.computeCRC())
		}

		if err := s.dev.Erase(s.active, imageLen); err != nil {
			if recoverable(err) {
				s.logger.Warn("erase failed at 0x%08X, moving data block forward", s.active)
				s.migrate(detailSize)
				continue
			}
			return err
		}
		s.stats.TrackBytesErased(uint64(imageLen))

		if err := s.dev.WriteAt(s.active, s.image[:imageLen]); err != nil {
			if recoverable(err) {
				s.logger.Warn("write failed at 0x%08X, moving data block forward", s.active)
				s.migrate(detailSize)
				continue
			}
			return err
		}
		s.stats.TrackBytesWritten(uint64(imageLen))
		break
	}

	if s.active+detailSize < start+total {
		if s.active != entryActive {
			s.logger.Info("data block moved from 0x%08X to 0x%08X", entryActive, s.active)
			if err := s.saveActiveAddr(s.active); err != nil {
				s.logger.Warn("system slot not updated, previous block stays active after restart")
			}
		}
		return nil
	}

	s.logger.Error("no space left to relocate the data block, environment disabled")
	if err := s.saveActiveAddr(blankWord); err != nil {
		s.logger.Warn("system slot not cleared")
	}
	return ErrFull
}

// recoverable reports whether a flash error should drive migration rather
// than abort the save. Running off the end of the device counts: the loop
// guard then terminates the migration within a bounded number of steps.
func recoverable(err error) bool {
	return errors.Is(err, flash.ErrEraseFailed) ||
		errors.Is(err, flash.ErrWriteFailed) ||
		errors.Is(err, flash.ErrOutOfRange)
}

// migrate advances the data block to the next slot: far enough forward to
// clear the failed sectors, aligned to the erase unit.
func (s *Store) migrate(detailSize uint32) {
	step := (detailSize/s.cfg.EraseSize + 1) * s.cfg.EraseSize
	s.active += step
	s.setDetailEndAddr(s.detailEndAddr() + step)
	s.stats.TrackMigration()
}

// saveActiveAddr commits addr to the system slot at the region base
func (s *Store) saveActiveAddr(addr uint32) error {
	if err := s.dev.Erase(s.cfg.StartAddr, flash.WordSize); err != nil {
		s.logger.Error("failed to erase system slot: %v", err)
		return err
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], addr)
	if err := s.dev.WriteAt(s.cfg.StartAddr, word[:]); err != nil {
		s.logger.Error("failed to write system slot: %v", err)
		return err
	}

	s.stats.TrackSlotUpdate()
	s.stats.TrackBytesWritten(flash.WordSize)
	return nil
}
