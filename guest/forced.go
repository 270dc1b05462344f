package guest

// Forced makes the model emit a fixed token sequence, then lets it generate
// freely. A sampled token that differs from the expected one ends forcing.
type Forced struct {
	tokens []uint32
	next   int
}

// NewForced returns a controller forcing tokens.
func NewForced(tokens []uint32) *Forced {
	return &Forced{tokens: append([]uint32(nil), tokens...)}
}

// ForceArg is a Factory that forces the host tokenization of the session
// argument.
func ForceArg(h Host, arg []byte) (Controller, error) {
	return NewForced(Tokenize(h, arg)), nil
}

// Done reports whether every forced token was emitted or forcing ended.
func (f *Forced) Done() bool {
	return f.next >= len(f.tokens)
}

func (f *Forced) ProcessPrompt(seq *Sequence) error {
	f.constrain(seq)
	return nil
}

func (f *Forced) AppendToken(seq *Sequence, tok uint32) error {
	if f.Done() {
		return nil
	}
	if tok != f.tokens[f.next] {
		f.next = len(f.tokens)
		return nil
	}
	f.next++
	f.constrain(seq)
	return nil
}

func (f *Forced) constrain(seq *Sequence) {
	if !f.Done() {
		seq.Allow(f.tokens[f.next])
	}
}
