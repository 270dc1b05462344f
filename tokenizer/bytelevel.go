package tokenizer

// byteLevelDecoder maps the printable runes used by GPT-2 style byte-level
// vocabularies back to the raw bytes they stand for.
func byteLevelDecoder() map[rune]byte {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	printable := make(map[int]bool, len(bs))
	for _, b := range bs {
		printable[b] = true
	}

	dec := make(map[rune]byte, 256)
	for _, b := range bs {
		dec[rune(b)] = byte(b)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if !printable[b] {
			dec[rune(256+n)] = byte(b)
			n++
		}
	}
	return dec
}

// decodeByteLevel converts a byte-level token string to bytes. It reports
// false when s contains a rune outside the byte-level alphabet.
func decodeByteLevel(dec map[rune]byte, s string) ([]byte, bool) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := dec[r]
		if !ok {
			return nil, false
		}
		out = append(out, b)
	}
	return out, true
}
