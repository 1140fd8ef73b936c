package flash

import (
	"fmt"
	"os"
)

// FileDevice persists a flash window in a regular file so the environment
// survives process restarts. The file holds exactly the window's bytes; a
// freshly created file is 0xFF-filled, matching an erased part.
//
// Unlike MemDevice it does not model NOR program semantics: writes overwrite.
// The store erases before writing, so the difference is not observable
// through correct use of the Device interface.
type FileDevice struct {
	base      uint32
	size      uint32
	eraseSize uint32
	file      *os.File
}

// OpenFileDevice opens or creates the backing file for a window covering
// [base, base+size). A new or short file is extended and 0xFF-filled.
func OpenFileDevice(path string, base, size, eraseSize uint32) (*FileDevice, error) {
	if err := checkGeometry(base, size, eraseSize); err != nil {
		return nil, fmt.Errorf("invalid device geometry: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat device file: %w", err)
	}

	if info.Size() < int64(size) {
		blank := make([]byte, int64(size)-info.Size())
		for i := range blank {
			blank[i] = 0xFF
		}
		if _, err := file.WriteAt(blank, info.Size()); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to blank device file: %w", err)
		}
	}

	return &FileDevice{
		base:      base,
		size:      size,
		eraseSize: eraseSize,
		file:      file,
	}, nil
}

// EraseSize returns the erase unit in bytes
func (d *FileDevice) EraseSize() uint32 {
	return d.eraseSize
}

// Close syncs and closes the backing file
func (d *FileDevice) Close() error {
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return fmt.Errorf("failed to sync device file: %w", err)
	}
	return d.file.Close()
}

func (d *FileDevice) checkRange(addr uint32, size uint32) error {
	if addr%WordSize != 0 || size%WordSize != 0 {
		return fmt.Errorf("%w: addr=0x%08X size=%d", ErrUnaligned, addr, size)
	}
	if addr < d.base || addr+size > d.base+d.size || addr+size < addr {
		return fmt.Errorf("%w: addr=0x%08X size=%d", ErrOutOfRange, addr, size)
	}
	return nil
}

// ReadAt fills p from the backing file starting at addr
func (d *FileDevice) ReadAt(addr uint32, p []byte) error {
	if err := d.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	if _, err := d.file.ReadAt(p, int64(addr-d.base)); err != nil {
		return fmt.Errorf("failed to read device file: %w", err)
	}
	return nil
}

// WriteAt writes p to the backing file starting at addr
func (d *FileDevice) WriteAt(addr uint32, p []byte) error {
	if err := d.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(p, int64(addr-d.base)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrWriteFailed, err)
	}
	return nil
}

// Erase fills the erase units containing [addr, addr+size) with 0xFF
func (d *FileDevice) Erase(addr uint32, size uint32) error {
	if err := d.checkRange(addr, size); err != nil {
		return err
	}

	start := (addr - d.base) / d.eraseSize * d.eraseSize
	end := addr - d.base + size
	if rem := end % d.eraseSize; rem != 0 {
		end += d.eraseSize - rem
	}
	if end > d.size {
		end = d.size
	}

	blank := make([]byte, end-start)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := d.file.WriteAt(blank, int64(start)); err != nil {
		return fmt.Errorf("%w: %v", ErrEraseFailed, err)
	}
	return nil
}
