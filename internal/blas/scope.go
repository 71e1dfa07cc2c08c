package blas

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ComputeModeScope forces host pointer mode and tensor-op math on an engine
// and puts back whatever modes it found when closed.
type ComputeModeScope struct {
	engine      Engine
	pointerMode PointerMode
	mathMode    MathMode
	closed      bool
}

// NewComputeModeScope captures the engine's current modes and switches it
// to PointerModeHost and TensorOpMath. If switching fails, the captured
// modes are restored before the error is returned.
func NewComputeModeScope(e Engine) (*ComputeModeScope, error) {
	pm, err := e.PointerMode()
	if err != nil {
		return nil, fmt.Errorf("get pointer mode: %w", err)
	}
	mm, err := e.MathMode()
	if err != nil {
		return nil, fmt.Errorf("get math mode: %w", err)
	}

	s := &ComputeModeScope{engine: e, pointerMode: pm, mathMode: mm}
	if err := e.SetPointerMode(PointerModeHost); err != nil {
		return nil, errors.Join(fmt.Errorf("set pointer mode: %w", err), s.Close())
	}
	if err := e.SetMathMode(TensorOpMath); err != nil {
		return nil, errors.Join(fmt.Errorf("set math mode: %w", err), s.Close())
	}
	return s, nil
}

// Close restores the captured math and pointer modes. Both restores are
// attempted even if the first fails. Calling Close again is a no-op.
func (s *ComputeModeScope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.engine.SetMathMode(s.mathMode); err != nil {
		errs = append(errs, fmt.Errorf("restore math mode: %w", err))
	}
	if err := s.engine.SetPointerMode(s.pointerMode); err != nil {
		errs = append(errs, fmt.Errorf("restore pointer mode: %w", err))
	}
	if len(errs) > 0 {
		log.Warn().Str("engine", s.engine.Name()).Errs("errors", errs).Msg("failed to restore compute mode")
	}
	return errors.Join(errs...)
}

// WithComputeMode runs fn inside a ComputeModeScope. The previous modes are
// restored when fn returns, fails or panics.
func WithComputeMode(e Engine, fn func() error) (err error) {
	scope, err := NewComputeModeScope(e)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn()
}
