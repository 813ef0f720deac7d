package engine

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyText     = errors.New("text is empty")
	ErrInvalidVoice  = errors.New("invalid voice")
	ErrInvalidSpeed  = errors.New("speed must be a positive finite number")
	ErrRenderFailure = errors.New("render failed")
	ErrClosed        = errors.New("engine closed")
)

// RenderError is a failed render of one chunk. It matches ErrRenderFailure
// and unwraps to the renderer's error.
type RenderError struct {
	Index int
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render chunk %d: %v", e.Index, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *RenderError) Is(target error) bool { return target == ErrRenderFailure }
