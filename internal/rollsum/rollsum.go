// Package rollsum implements the rsync weak checksum over a sliding window.
//
// The checksum keeps two 16-bit accumulators over the window b[0..n):
//
//	s1 = sum(b[i])           mod 2^16
//	s2 = sum((n-i) * b[i])   mod 2^16
//
// and combines them as s1 | s2<<16. Sliding the window by one byte is O(1)
// regardless of the window length.
package rollsum

const mask = 0xffff

// Rollsum is a rolling weak checksum. The zero value is an empty window.
type Rollsum struct {
	s1 uint32
	s2 uint32
	n  uint32
}

// New returns an empty rolling checksum.
func New() *Rollsum {
	return &Rollsum{}
}

// Reset empties the window.
func (r *Rollsum) Reset() {
	r.s1, r.s2, r.n = 0, 0, 0
}

// Update appends p to the end of the window.
func (r *Rollsum) Update(p []byte) {
	s1, s2 := r.s1, r.s2
	for _, b := range p {
		s1 += uint32(b)
		s2 += s1
	}
	r.s1 = s1 & mask
	r.s2 = s2 & mask
	r.n += uint32(len(p))
}

// Roll slides a window of unchanged length by one byte, removing out from the
// front and appending in at the back.
func (r *Rollsum) Roll(out, in byte) {
	r.s1 = (r.s1 - uint32(out) + uint32(in)) & mask
	r.s2 = (r.s2 - r.n*uint32(out) + r.s1) & mask
}

// RollOut removes out from the front of the window without appending a byte.
// The window shrinks by one; it is used to drain the tail of a stream.
func (r *Rollsum) RollOut(out byte) {
	if r.n == 0 {
		return
	}
	r.s1 = (r.s1 - uint32(out)) & mask
	r.s2 = (r.s2 - r.n*uint32(out)) & mask
	r.n--
}

// Digest returns the combined checksum of the current window.
func (r *Rollsum) Digest() uint32 {
	return r.s1 | r.s2<<16
}

// Len returns the number of bytes in the window.
func (r *Rollsum) Len() int {
	return int(r.n)
}

// Checksum computes the weak checksum of p from scratch.
func Checksum(p []byte) uint32 {
	var r Rollsum
	r.Update(p)
	return r.Digest()
}
