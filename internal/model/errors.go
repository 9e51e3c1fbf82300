package model

import (
	"errors"
	"fmt"
)

var (
	ErrLoad             = errors.New("model load failed")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrDecode           = errors.New("input decode failed")
	ErrInference        = errors.New("inference failed")
)

// LoadError is fatal: the process cannot serve without a model.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoad, e.Err} }

// UnsupportedMediaError carries the rejected content or accept type verbatim.
type UnsupportedMediaError struct {
	MediaType string
}

func (e *UnsupportedMediaError) Error() string {
	return fmt.Sprintf("unsupported media type: %q", e.MediaType)
}

func (e *UnsupportedMediaError) Unwrap() error { return ErrUnsupportedMedia }

type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() []error { return []error{ErrInference, e.Err} }
