package env

import (
	"encoding/binary"

	"github.com/canjiangsu/EasyFlash/pkg/stats"
)

// Load locates the active data block through the system slot and rebuilds
// the RAM image from flash. A blank or out-of-range slot, an out-of-range
// detail end address, or a CRC mismatch all fall back to the configured
// defaults.
func (s *Store) Load() error {
	s.stats.TrackOperation(stats.OpLoad)

	start := s.cfg.StartAddr
	total := s.cfg.TotalSize
	erase := s.cfg.EraseSize

	var word [4]byte
	if err := s.dev.ReadAt(start, word[:]); err != nil {
		return err
	}
	candidate := binary.LittleEndian.Uint32(word[:])

	if candidate == blankWord || candidate >= start+total ||
		candidate < start+erase || (candidate-start)%erase != 0 {
		// Blank region or dirty system slot: claim the first data block
		// slot and start from defaults.
		s.logger.Info("system slot uninitialized or dirty (0x%08X), installing defaults", candidate)
		s.active = start + erase
		if err := s.saveActiveAddr(s.active); err != nil {
			s.logger.Warn("system slot not persisted, environment will reset on restart")
		}
		s.stats.TrackRecovery()
		return s.SetDefault()
	}

	s.active = candidate

	if err := s.dev.ReadAt(s.active, word[:]); err != nil {
		return err
	}
	end := binary.LittleEndian.Uint32(word[:])

	if end > start+total || end < s.detailStartAddr() ||
		(end-s.detailStartAddr())%recordAlign != 0 {
		s.logger.Warn("detail end address 0x%08X out of range, installing defaults", end)
		s.stats.TrackRecovery()
		return s.SetDefault()
	}
	s.setDetailEndAddr(end)

	if size := s.detailSize(); size > 0 {
		if err := s.dev.ReadAt(s.detailStartAddr(), s.image[s.header:s.header+size]); err != nil {
			return err
		}
	}

	if s.cfg.CRCCheck {
		if err := s.dev.ReadAt(s.active+4, s.image[4:8]); err != nil {
			return err
		}
		if !s.crcOK() {
			s.logger.Warn("environment CRC check failed, installing defaults")
			s.stats.TrackRecovery()
			return s.SetDefault()
		}
	}

	s.logger.Debug("loaded %d bytes of environment from data block 0x%08X", s.detailSize(), s.active)
	return nil
}
