package ocr

import (
	"sync"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
)

// stubRunner 基于固定输出或回调的推理替身，用于不依赖模型文件的测试
type stubRunner struct {
	mu     sync.Mutex
	out    onnx.Tensor
	err    error
	fn     func(onnx.Tensor) (onnx.Tensor, error)
	calls  int
	inputs []onnx.Tensor
}

func (s *stubRunner) Run(input onnx.Tensor) (onnx.Tensor, error) {
	return s.RunDynamic(input)
}

func (s *stubRunner) RunDynamic(input onnx.Tensor) (onnx.Tensor, error) {
	s.mu.Lock()
	s.calls++
	s.inputs = append(s.inputs, input)
	fn := s.fn
	s.mu.Unlock()

	if fn != nil {
		return fn(input)
	}
	return s.out, s.err
}

func (s *stubRunner) InputShape() []int64 {
	return []int64{-1, 3, -1, -1}
}

func (s *stubRunner) OutputShape() []int64 {
	return []int64{-1, -1, -1}
}

func (s *stubRunner) Close() error {
	return nil
}

func newDetModelWithRunner(r onnx.Runner, opts DetOptions) *DetModel {
	return &DetModel{runner: r, opts: opts, norm: PaddleDetNormalize()}
}

func newRecModelWithRunner(r onnx.Runner, charset []rune, opts RecOptions) *RecModel {
	return &RecModel{runner: r, charset: charset, opts: opts, norm: PaddleRecNormalize()}
}

func newOriModelWithRunner(r onnx.Runner, opts OriOptions) *OriModel {
	return &OriModel{runner: r, opts: opts, norm: oriNormalizeFor(opts.PreprocessMode)}
}
