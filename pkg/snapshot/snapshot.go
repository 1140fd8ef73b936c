// Package snapshot reads and writes compressed, integrity-checked backups
// of a live environment.
//
// Container layout:
//
//	header (28 bytes)  magic, format version, record count, region geometry
//	payload length (4 bytes)
//	payload            zstd-compressed records, each as len-prefixed key/value
//	footer (8 bytes)   xxhash64 of everything before it
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/canjiangsu/EasyFlash/pkg/env"
)

const (
	// Magic identifies a snapshot container
	Magic = uint64(0x454E5653_4E415031) // "ENVSNAP1"
	// CurrentVersion is the current container format version
	CurrentVersion = uint32(1)

	headerSize = 28
	footerSize = 8
)

var (
	// ErrInvalidSnapshot is returned when the container structure is malformed
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrChecksumMismatch is returned when the footer checksum does not match
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

	// ErrUnsupportedVersion is returned for unknown format versions
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Header describes the snapshotted environment
type Header struct {
	Magic      uint64
	Version    uint32
	NumRecords uint32
	ActiveAddr uint32
	TotalSize  uint32
	UsedSize   uint32
}

// Snapshot is a decoded container
type Snapshot struct {
	Header  Header
	Records []env.Record
}

// Write serializes the store's live records to w
func Write(w io.Writer, s *env.Store) error {
	records := s.Records()

	payload := encodeRecords(records)
	compressed, err := compress(payload)
	if err != nil {
		return err
	}

	buf := make([]byte, headerSize+4+len(compressed)+footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], Magic)
	binary.LittleEndian.PutUint32(buf[8:12], CurrentVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(records)))
	binary.LittleEndian.PutUint32(buf[16:20], s.ActiveAddr())
	binary.LittleEndian.PutUint32(buf[20:24], s.TotalSize())
	binary.LittleEndian.PutUint32(buf[24:28], s.UsedSize())

	binary.LittleEndian.PutUint32(buf[headerSize:headerSize+4], uint32(len(compressed)))
	copy(buf[headerSize+4:], compressed)

	checksum := xxhash.Sum64(buf[:len(buf)-footerSize])
	binary.LittleEndian.PutUint64(buf[len(buf)-footerSize:], checksum)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Read decodes and validates a container from r
func Read(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) < headerSize+4+footerSize {
		return nil, fmt.Errorf("%w: truncated container (%d bytes)", ErrInvalidSnapshot, len(data))
	}

	checksum := binary.LittleEndian.Uint64(data[len(data)-footerSize:])
	if checksum != xxhash.Sum64(data[:len(data)-footerSize]) {
		return nil, ErrChecksumMismatch
	}

	header := Header{
		Magic:      binary.LittleEndian.Uint64(data[0:8]),
		Version:    binary.LittleEndian.Uint32(data[8:12]),
		NumRecords: binary.LittleEndian.Uint32(data[12:16]),
		ActiveAddr: binary.LittleEndian.Uint32(data[16:20]),
		TotalSize:  binary.LittleEndian.Uint32(data[20:24]),
		UsedSize:   binary.LittleEndian.Uint32(data[24:28]),
	}
	if header.Magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%016X", ErrInvalidSnapshot, header.Magic)
	}
	if header.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, header.Version)
	}

	payloadLen := binary.LittleEndian.Uint32(data[headerSize : headerSize+4])
	if int(payloadLen) != len(data)-headerSize-4-footerSize {
		return nil, fmt.Errorf("%w: payload length %d does not match container", ErrInvalidSnapshot, payloadLen)
	}

	payload, err := decompress(data[headerSize+4 : headerSize+4+int(payloadLen)])
	if err != nil {
		return nil, err
	}

	records, err := decodeRecords(payload, header.NumRecords)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Header: header, Records: records}, nil
}

// Restore replaces the store's environment with the snapshot's records and
// saves the result to flash.
func Restore(s *env.Store, snap *Snapshot) error {
	return s.Restore(snap.Records)
}

func encodeRecords(records []env.Record) []byte {
	var size int
	for _, r := range records {
		size += 8 + len(r.Key) + len(r.Value)
	}

	buf := make([]byte, 0, size)
	var word [4]byte
	for _, r := range records {
		binary.LittleEndian.PutUint32(word[:], uint32(len(r.Key)))
		buf = append(buf, word[:]...)
		buf = append(buf, r.Key...)
		binary.LittleEndian.PutUint32(word[:], uint32(len(r.Value)))
		buf = append(buf, word[:]...)
		buf = append(buf, r.Value...)
	}
	return buf
}

func decodeRecords(payload []byte, count uint32) ([]env.Record, error) {
	records := make([]env.Record, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		key, n, err := decodeString(payload[off:])
		if err != nil {
			return nil, err
		}
		off += n

		value, n, err := decodeString(payload[off:])
		if err != nil {
			return nil, err
		}
		off += n

		records = append(records, env.Record{Key: key, Value: value})
	}
	if off != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing payload bytes", ErrInvalidSnapshot, len(payload)-off)
	}
	return records, nil
}

func decodeString(p []byte) (string, int, error) {
	if len(p) < 4 {
		return "", 0, fmt.Errorf("%w: truncated record", ErrInvalidSnapshot)
	}
	length := binary.LittleEndian.Uint32(p[0:4])
	if uint32(len(p)-4) < length {
		return "", 0, fmt.Errorf("%w: truncated record", ErrInvalidSnapshot)
	}
	return string(p[4 : 4+length]), 4 + int(length), nil
}

func compress(payload []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(payload, nil), nil
}

func decompress(payload []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return out, nil
}
