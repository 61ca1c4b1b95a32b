package onnx

import "fmt"

// Tensor float32 张量，Shape 为 NCHW 等任意布局的维度，Data 为行优先数据
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor 创建张量并校验数据长度与形状一致
func NewTensor(shape []int64, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if err := t.validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Elements 返回形状对应的元素个数
func (t Tensor) Elements() int64 {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim 返回第 i 维长度，支持负数索引（-1 为最后一维）
func (t Tensor) Dim(i int) int64 {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func (t Tensor) validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("张量形状包含负数维度: %v", t.Shape)
		}
	}
	if n := t.Elements(); n != int64(len(t.Data)) {
		return fmt.Errorf("张量数据长度 %d 与形状 %v 不符", len(t.Data), t.Shape)
	}
	return nil
}

// ShapeMismatchError 静态推理时输入形状与模型声明不一致
type ShapeMismatchError struct {
	Expected []int64
	Got      []int64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("输入形状 %v 与模型声明 %v 不符", e.Got, e.Expected)
}

// Runner 推理能力接口。实现必须支持来自多个 goroutine 的并发调用。
type Runner interface {
	// Run 按静态形状推理，输入形状必须匹配模型声明
	Run(input Tensor) (Tensor, error)
	// RunDynamic 按动态形状推理，输入尺寸可随调用变化
	RunDynamic(input Tensor) (Tensor, error)
	// InputShape 模型声明的输入形状，动态轴为 -1
	InputShape() []int64
	// OutputShape 模型声明的输出形状，动态轴为 -1
	OutputShape() []int64
	// Close 释放底层会话
	Close() error
}

var _ Runner = (*Session)(nil)
