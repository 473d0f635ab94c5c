package localprover

import (
	"context"
	"fmt"
)

// Pool bounds concurrent local proving. Slots are acquired before the
// underlying engine runs; waiting respects the caller's context.
type Pool struct {
	prover Prover
	slots  chan struct{}
}

func NewPool(prover Prover, size int) (*Pool, error) {
	if prover == nil {
		return nil, fmt.Errorf("%w: nil prover", ErrInvalidConfig)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: pool size must be > 0", ErrInvalidConfig)
	}
	return &Pool{
		prover: prover,
		slots:  make(chan struct{}, size),
	}, nil
}

func (p *Pool) Prove(ctx context.Context, program []byte, input []byte) ([]byte, error) {
	if p == nil || p.prover == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.slots }()
	return p.prover.Prove(ctx, program, input)
}
