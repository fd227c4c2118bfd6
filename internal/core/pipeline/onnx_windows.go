//go:build windows

package pipeline

import (
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX pipelines are not supported on Windows")

func LoadOnnxPair(cfg LoadConfig) (*Pair, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}
