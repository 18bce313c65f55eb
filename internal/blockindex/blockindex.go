// Package blockindex maps weak checksums to candidate signature blocks.
package blockindex

import (
	"bytes"

	"github.com/quantarax/rdiff/internal/signature"
)

// Index is a read-only lookup table over a Signature. It is safe for
// concurrent use and must not outlive the signature it was built from.
type Index struct {
	sig   *signature.Signature
	table map[uint32][]int
}

// New builds an index over sig. Candidate lists keep ascending block order.
func New(sig *signature.Signature) *Index {
	idx := &Index{
		sig:   sig,
		table: make(map[uint32][]int, len(sig.Blocks)),
	}
	for i, b := range sig.Blocks {
		idx.table[b.Weak] = append(idx.table[b.Weak], i)
	}
	return idx
}

// Signature returns the indexed signature.
func (idx *Index) Signature() *signature.Signature {
	return idx.sig
}

// Len returns the number of distinct weak checksums.
func (idx *Index) Len() int {
	return len(idx.table)
}

// Candidates returns the block indices sharing weak, in ascending order.
// The returned slice must not be modified.
func (idx *Index) Candidates(weak uint32) []int {
	return idx.table[weak]
}

// Match returns the first block whose weak checksum, length and strong digest
// equal those of window. digest is called at most once, and only when at least
// one candidate exists. hit reports whether any block shared the weak
// checksum; ok reports whether one was confirmed.
func (idx *Index) Match(weak uint32, window []byte, digest func([]byte) []byte) (block signature.Block, hit bool, ok bool) {
	cands := idx.table[weak]
	if len(cands) == 0 {
		return signature.Block{}, false, false
	}

	var d []byte
	for _, i := range cands {
		b := idx.sig.Blocks[i]
		if b.Length != len(window) {
			continue
		}
		if d == nil {
			d = digest(window)
		}
		if bytes.Equal(b.Strong, d) {
			return b, true, true
		}
	}
	return signature.Block{}, true, false
}
