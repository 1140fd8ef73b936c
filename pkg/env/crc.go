package env

import (
	"encoding/binary"
	"hash/crc32"
)

// computeCRC calculates the CRC-32 of the detail end address word followed
// by the detail area bytes. The CRC word itself is excluded.
func (s *Store) computeCRC() uint32 {
	crc := crc32.ChecksumIEEE(s.image[0:4])
	return crc32.Update(crc, crc32.IEEETable, s.image[s.header:s.header+s.detailSize()])
}

// crcOK verifies the stored CRC word against a recomputation
func (s *Store) crcOK() bool {
	return s.computeCRC() == binary.LittleEndian.Uint32(s.image[4:8])
}
