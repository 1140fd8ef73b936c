package flash

import "fmt"

// FaultFunc decides whether an injected fault fires for the given range.
// Used by tests and the bench tool to exercise the wear-leveling path.
type FaultFunc func(addr, size uint32) bool

// MemDevice simulates a window of NOR flash in memory. Erased cells read
// 0xFF and programming can only clear bits, so writing to a location that
// was not erased first corrupts it the same way real hardware would.
type MemDevice struct {
	base      uint32
	eraseSize uint32
	data      []byte

	eraseFault FaultFunc
	writeFault FaultFunc
}

// NewMemDevice creates a simulated device covering [base, base+size) with
// the given erase unit. The window starts fully erased.
func NewMemDevice(base, size, eraseSize uint32) (*MemDevice, error) {
	if err := checkGeometry(base, size, eraseSize); err != nil {
		return nil, fmt.Errorf("invalid device geometry: %w", err)
	}

	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}

	return &MemDevice{
		base:      base,
		eraseSize: eraseSize,
		data:      data,
	}, nil
}

// EraseSize returns the erase unit in bytes
func (d *MemDevice) EraseSize() uint32 {
	return d.eraseSize
}

// InjectEraseFault installs fn; while it returns true for an erase range the
// erase fails with ErrEraseFailed. Pass nil to clear.
func (d *MemDevice) InjectEraseFault(fn FaultFunc) {
	d.eraseFault = fn
}

// InjectWriteFault installs fn; while it returns true for a write range the
// write fails with ErrWriteFailed. Pass nil to clear.
func (d *MemDevice) InjectWriteFault(fn FaultFunc) {
	d.writeFault = fn
}

func (d *MemDevice) checkRange(addr uint32, size uint32) error {
	if addr%WordSize != 0 || size%WordSize != 0 {
		return fmt.Errorf("%w: addr=0x%08X size=%d", ErrUnaligned, addr, size)
	}
	if addr < d.base || addr+size > d.base+uint32(len(d.data)) || addr+size < addr {
		return fmt.Errorf("%w: addr=0x%08X size=%d", ErrOutOfRange, addr, size)
	}
	return nil
}

// ReadAt fills p from the device starting at addr
func (d *MemDevice) ReadAt(addr uint32, p []byte) error {
	if err := d.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	copy(p, d.data[addr-d.base:])
	return nil
}

// WriteAt programs p to the device starting at addr
func (d *MemDevice) WriteAt(addr uint32, p []byte) error {
	if err := d.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	if d.writeFault != nil && d.writeFault(addr, uint32(len(p))) {
		return fmt.Errorf("%w: addr=0x%08X size=%d", ErrWriteFailed, addr, len(p))
	}

	// NOR programming clears bits, it never sets them
	off := addr - d.base
	for i, b := range p {
		d.data[off+uint32(i)] &= b
	}
	return nil
}

// Erase erases the erase units containing [addr, addr+size)
func (d *MemDevice) Erase(addr uint32, size uint32) error {
	if err := d.checkRange(addr, size); err != nil {
		return err
	}
	if d.eraseFault != nil && d.eraseFault(addr, size) {
		return fmt.Errorf("%w: addr=0x%08X size=%d", ErrEraseFailed, addr, size)
	}

	start := (addr - d.base) / d.eraseSize * d.eraseSize
	end := addr - d.base + size
	if rem := end % d.eraseSize; rem != 0 {
		end += d.eraseSize - rem
	}
	if end > uint32(len(d.data)) {
		end = uint32(len(d.data))
	}
	for i := start; i < end; i++ {
		d.data[i] = 0xFF
	}
	return nil
}
