package toktrie

// Blob is a published trie encoding. It is never mutated after NewBlob and
// may be read from any number of goroutines.
type Blob struct {
	data []byte
}

// NewBlob encodes t for publication.
func NewBlob(t *Trie) (*Blob, error) {
	data, err := t.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Blob{data: data}, nil
}

// Size returns the encoded size in bytes. A nil Blob has size zero.
func (b *Blob) Size() uint32 {
	if b == nil {
		return 0
	}
	return uint32(len(b.data)) //nolint:gosec // G115: encodings are bounded by u32 header fields
}

// ReadInto copies up to len(dst) bytes of the encoding into dst and returns
// the full encoded size, so a caller with a short buffer can grow it and
// read again.
func (b *Blob) ReadInto(dst []byte) uint32 {
	if b == nil {
		return 0
	}
	copy(dst, b.data)
	return b.Size()
}
