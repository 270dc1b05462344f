package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
)

// Step is what a Sampler sees before choosing the next token.
type Step struct {
	// Bias is the logit bias the guest produced for this position.
	Bias []float32
	// Tokens holds every token so far, prompt included.
	Tokens []uint32
	// Position is the index the sampled token will occupy.
	Position uint32
}

// Sampler chooses the next token. done ends generation without appending.
type Sampler interface {
	Next(ctx context.Context, step Step) (tok uint32, done bool, err error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, step Step) (uint32, bool, error)

func (f SamplerFunc) Next(ctx context.Context, step Step) (uint32, bool, error) {
	return f(ctx, step)
}

// GreedySampler picks the token with the highest biased logit; ties go to
// the lowest id.
type GreedySampler struct {
	// Logits returns the model logits for the sequence. Nil means all zeros,
	// so the bias alone decides.
	Logits func(ctx context.Context, tokens []uint32) ([]float32, error)
	// Stop ends generation when sampled; the stop token is appended first.
	Stop []uint32
}

func (g *GreedySampler) Next(ctx context.Context, step Step) (uint32, bool, error) {
	logits := make([]float32, len(step.Bias))
	if g.Logits != nil {
		l, err := g.Logits(ctx, step.Tokens)
		if err != nil {
			return 0, false, err
		}
		if len(l) != len(step.Bias) {
			return 0, false, fmt.Errorf("sampler: %d logits for a vocabulary of %d", len(l), len(step.Bias))
		}
		copy(logits, l)
	}
	ApplyBias(logits, step.Bias)
	return argmax(logits), false, nil
}

// ApplyBias adds bias to logits in place.
func ApplyBias(logits, bias []float32) {
	for i := range min(len(logits), len(bias)) {
		logits[i] += bias[i]
	}
}

func argmax(v []float32) uint32 {
	best := 0
	bestVal := float32(math.Inf(-1))
	for i, x := range v {
		if x > bestVal {
			best, bestVal = i, x
		}
	}
	return uint32(best) //nolint:gosec // G115: bounded by vocabulary size
}

// Result summarizes a finished generation.
type Result struct {
	// Degraded is the guest error absorbed by the no-op policy, if any.
	Degraded  error
	RequestID string
	Output    string
	Tokens    []uint32
	Mask      []float32
	Reason    CloseReason
}

// Generate runs one request to completion: prompt processing, then sampling
// and appending until the sampler stops, a stop token is sampled or the
// positions run out. The session is always closed before Generate returns.
func (r *Runtime) Generate(ctx context.Context, req Request, sampler Sampler) (*Result, error) {
	s, err := r.NewSession(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{RequestID: s.ID(), Reason: ReasonCompleted}
	tokens := slices.Clone(req.Prompt)
	runErr := r.generate(ctx, s, sampler, &tokens, res)
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		res.Reason = ReasonCancelled
	default:
		res.Reason = ReasonError
	}

	if mask, err := s.AttentionMask(); err == nil {
		res.Mask = mask
	}
	res.Tokens = tokens
	res.Output = s.Output()
	res.Degraded = s.Degraded()

	closeErr := r.CloseSession(context.WithoutCancel(ctx), s.Handle(), res.Reason)
	if runErr != nil {
		return res, runErr
	}
	return res, closeErr
}

func (r *Runtime) generate(ctx context.Context, s *Session, sampler Sampler, tokens *[]uint32, res *Result) error {
	bias, err := s.ProcessPrompt(ctx)
	if err != nil {
		return err
	}
	stop := stopSet(sampler)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Remaining() == 0 {
			res.Reason = ReasonLimit
			return nil
		}
		tok, done, err := sampler.Next(ctx, Step{Bias: bias, Tokens: *tokens, Position: s.Position()})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		bias, err = s.AppendToken(ctx, tok)
		if err != nil {
			return err
		}
		*tokens = append(*tokens, tok)
		if _, ok := stop[tok]; ok {
			return nil
		}
	}
}

func stopSet(sampler Sampler) map[uint32]struct{} {
	g, ok := sampler.(*GreedySampler)
	if !ok {
		return nil
	}
	set := make(map[uint32]struct{}, len(g.Stop))
	for _, t := range g.Stop {
		set[t] = struct{}{}
	}
	return set
}
