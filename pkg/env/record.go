package env

import "bytes"

// recordAlign is the alignment of every record in the detail area. Records
// are stored as `key '=' value NUL`, zero-padded up to this granularity.
const recordAlign = 4

// padLen rounds n up to the record alignment
func padLen(n uint32) uint32 {
	if rem := n % recordAlign; rem != 0 {
		n += recordAlign - rem
	}
	return n
}

// recordLen returns the padded on-flash length of a key/value record,
// including the '=' separator and the terminating NUL.
func recordLen(key, value string) uint32 {
	return padLen(uint32(len(key) + len(value) + 2))
}

// record is one decoded entry of the detail area. The key and value slices
// alias the RAM image and are only valid until the next mutation.
type record struct {
	off    uint32 // offset of the record within the detail area
	rawLen uint32 // unpadded length, including the terminating NUL
	key    []byte
	value  []byte
}

// walker steps through the records of a detail area in storage order.
type walker struct {
	detail []byte
	off    uint32
}

func newWalker(detail []byte) *walker {
	return &walker{detail: detail}
}

// next returns the record at the current position and advances past it.
// Stray NUL bytes between records are skipped, which keeps the walk in step
// with the padded layout.
func (w *walker) next() (record, bool) {
	for w.off < uint32(len(w.detail)) {
		rest := w.detail[w.off:]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			// unterminated tail, nothing more to decode
			return record{}, false
		}
		if nul == 0 {
			w.off++
			continue
		}

		raw := rest[:nul]
		rec := record{
			off:    w.off,
			rawLen: uint32(nul + 1),
		}
		if eq := bytes.IndexByte(raw, '='); eq >= 0 {
			rec.key = raw[:eq]
			rec.value = raw[eq+1:]
		} else {
			rec.key = raw
		}

		w.off += padLen(rec.rawLen)
		return rec, true
	}
	return record{}, false
}
