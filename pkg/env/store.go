// Package env implements a wear-leveling key/value environment persisted to
// NOR flash.
//
// The flash region has two parts: a one-word system slot at the region base
// holding the address of the active data block, and the data block itself,
// which starts at some erase-unit-aligned offset and migrates forward when
// erase or program operations fail. A data block is a small parameter header
// (detail end address, plus a CRC-32 word when integrity checking is on)
// followed by the detail area: concatenated `key=value` records, each
// NUL-terminated and zero-padded to a 4-byte boundary.
//
// All mutations act on a RAM image of the block; Save flushes the image to
// flash and Load rebuilds it, falling back to the configured defaults when
// the region is blank or corrupt.
package env

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/canjiangsu/EasyFlash/pkg/common/log"
	"github.com/canjiangsu/EasyFlash/pkg/config"
	"github.com/canjiangsu/EasyFlash/pkg/flash"
	"github.com/canjiangsu/EasyFlash/pkg/stats"
)

// blankWord is what erased flash reads back; it marks an uninitialized
// system slot and poisons the slot when the region is exhausted.
const blankWord = uint32(0xFFFFFFFF)

// Record is one key/value pair of the environment
type Record struct {
	Key   string
	Value string
}

// Store is a flash-backed environment. It is not safe for concurrent use;
// callers that share a Store must serialize access externally.
type Store struct {
	cfg    *config.Config
	dev    flash.Device
	logger log.Logger
	stats  *stats.Collector

	// image mirrors the active data block byte for byte: header words first,
	// then the detail area. It is authoritative between Load and Save.
	image []byte

	// active is the absolute flash address of the current data block
	active uint32

	// header is the parameter header size in bytes (4, or 8 with CRC)
	header uint32
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStats sets the statistics collector used by the store
func WithStats(collector *stats.Collector) Option {
	return func(s *Store) {
		s.stats = collector
	}
}

// NewStore allocates the RAM image for the configured region and loads the
// environment from the device, installing defaults if the region is blank
// or corrupt.
func NewStore(cfg *config.Config, dev flash.Device, options ...Option) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if dev == nil {
		return nil, errors.New("device cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		dev:    dev,
		logger: log.Default(),
		header: cfg.HeaderSize(),
	}
	for _, option := range options {
		option(s)
	}
	s.image = make([]byte, cfg.TotalSize)

	s.logger.Info("environment region at 0x%08X, %d bytes, erase unit %d bytes",
		cfg.StartAddr, cfg.TotalSize, cfg.EraseSize)

	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// detailStartAddr returns the absolute flash address of the detail area
func (s *Store) detailStartAddr() uint32 {
	return s.active + s.header
}

// detailEndAddr returns the absolute end address of the detail area,
// mirrored in the image's first header word.
func (s *Store) detailEndAddr() uint32 {
	return binary.LittleEndian.Uint32(s.image[0:4])
}

func (s *Store) setDetailEndAddr(addr uint32) {
	binary.LittleEndian.PutUint32(s.image[0:4], addr)
}

// detailSize returns the byte size of the detail area
func (s *Store) detailSize() uint32 {
	return s.detailEndAddr() - s.detailStartAddr()
}

// detail returns the image slice holding the detail area
func (s *Store) detail() []byte {
	return s.image[s.header : s.header+s.detailSize()]
}

// find locates a record by exact key match
func (s *Store) find(key string) (record, bool) {
	w := newWalker(s.detail())
	for {
		rec, ok := w.next()
		if !ok {
			return record{}, false
		}
		if string(rec.key) == key {
			return rec, true
		}
	}
}

// create appends a new record to the detail area. The key must be valid and
// absent; the record, header included, must fit in the region.
func (s *Store) create(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if _, ok := s.find(key); ok {
		return fmt.Errorf("%w: %q", ErrKeyExists, key)
	}

	length := recordLen(key, value)
	if s.header+s.detailSize()+length > s.cfg.TotalSize {
		return ErrFull
	}

	off := s.header + s.detailSize()
	buf := s.image[off : off+length]
	for i := range buf {
		buf[i] = 0
	}
	n := copy(buf, key)
	buf[n] = '='
	copy(buf[n+1:], value)

	s.setDetailEndAddr(s.detailEndAddr() + length)
	return nil
}

// deleteRecord removes rec from the detail area, shifting the remainder of
// the area down and zeroing the vacated tail.
func (s *Store) deleteRecord(rec record) {
	length := padLen(rec.rawLen)
	oldSize := s.detailSize()
	detail := s.detail()

	copy(detail[rec.off:], detail[rec.off+length:])
	for i := oldSize - length; i < oldSize; i++ {
		detail[i] = 0
	}

	s.setDetailEndAddr(s.detailEndAddr() - length)
}

// Get returns the value stored under key
func (s *Store) Get(key string) (string, error) {
	s.stats.TrackOperation(stats.OpGet)

	if key == "" {
		return "", fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	rec, ok := s.find(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return string(rec.value), nil
}

// Set stores value under key in the RAM image. An empty value deletes the
// key. Overwrites and inserts are all-or-nothing: the image is untouched
// when the new record would not fit. Nothing reaches flash until Save.
func (s *Store) Set(key, value string) error {
	s.stats.TrackOperation(stats.OpSet)

	if value == "" {
		return s.delete(key)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	if rec, ok := s.find(key); ok {
		newLen := recordLen(key, value)
		if s.header+s.detailSize()-padLen(rec.rawLen)+newLen > s.cfg.TotalSize {
			return ErrFull
		}
		s.deleteRecord(rec)
	}
	return s.create(key, value)
}

// Delete removes key from the RAM image
func (s *Store) Delete(key string) error {
	s.stats.TrackOperation(stats.OpDelete)
	return s.delete(key)
}

func (s *Store) delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	rec, ok := s.find(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	s.deleteRecord(rec)
	return nil
}

// SetDefault discards the current environment, installs the configured
// defaults, and saves.
func (s *Store) SetDefault() error {
	s.stats.TrackOperation(stats.OpDefault)

	s.truncate()
	for _, e := range s.cfg.Defaults {
		if err := s.create(e.Key, e.Value); err != nil {
			return fmt.Errorf("failed to install default %q: %w", e.Key, err)
		}
	}
	return s.Save()
}

// Restore discards the current environment, writes the given records, and
// saves. Used by snapshot import.
func (s *Store) Restore(records []Record) error {
	s.truncate()
	for _, r := range records {
		if err := s.create(r.Key, r.Value); err != nil {
			return fmt.Errorf("failed to restore %q: %w", r.Key, err)
		}
	}
	return s.Save()
}

// truncate empties the detail area. The stored end address may be garbage
// here (blank region, corrupt header), so the whole detail part of the image
// is cleared rather than trusting it.
func (s *Store) truncate() {
	for i := s.header; i < uint32(len(s.image)); i++ {
		s.image[i] = 0
	}
	s.setDetailEndAddr(s.detailStartAddr())
}

// Records returns a copy of every live record in storage order
func (s *Store) Records() []Record {
	var records []Record
	w := newWalker(s.detail())
	for {
		rec, ok := w.next()
		if !ok {
			return records
		}
		records = append(records, Record{
			Key:   string(rec.key),
			Value: string(rec.value),
		})
	}
}

// Dump writes a human-readable listing of the environment to w
func (s *Store) Dump(w io.Writer) {
	for _, r := range s.Records() {
		fmt.Fprintf(w, "%s=%s\n", r.Key, r.Value)
	}
	fmt.Fprintf(w, "\nmode: wear leveling, %d/%d bytes used\n", s.UsedSize(), s.TotalSize())
}

// UsedSize returns the bytes occupied by the data block: header plus detail
func (s *Store) UsedSize() uint32 {
	return s.header + s.detailSize()
}

// TotalSize returns the byte size of the whole flash region
func (s *Store) TotalSize() uint32 {
	return s.cfg.TotalSize
}

// ActiveAddr returns the absolute flash address of the active data block
func (s *Store) ActiveAddr() uint32 {
	return s.active
}
