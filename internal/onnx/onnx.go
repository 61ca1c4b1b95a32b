// Package onnx 封装 onnxruntime 推理能力，模型层只依赖 Runner 接口，
// 便于使用内存执行器进行测试。
package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Backend 推理后端
type Backend int

const (
	BackendCPU Backend = iota
	BackendCUDA
	BackendCoreML
	BackendDirectML
)

func (b Backend) String() string {
	switch b {
	case BackendCPU:
		return "cpu"
	case BackendCUDA:
		return "cuda"
	case BackendCoreML:
		return "coreml"
	case BackendDirectML:
		return "directml"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// Config 推理会话配置
type Config struct {
	// OnnxRuntimeLibPath onnxruntime 动态库路径，首个会话创建时加载
	OnnxRuntimeLibPath string
	// ThreadCount 单次推理的线程数，0 表示使用运行时默认值
	ThreadCount int
	// Backend 推理后端
	Backend Backend
}

var envMu sync.Mutex

// ensureEnvironment 初始化全局 onnxruntime 环境，进程生命周期内只执行一次
func ensureEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("初始化 onnxruntime 环境失败: %w", err)
	}
	return nil
}

// Session 封装单个模型的动态形状推理会话
type Session struct {
	session     *ort.DynamicAdvancedSession
	options     *ort.SessionOptions
	inputName   string
	outputName  string
	inputShape  []int64
	outputShape []int64
}

// NewSession 从模型文件创建会话，cfg 为 nil 时使用默认配置
func NewSession(modelPath string, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	if err := ensureEnvironment(cfg.OnnxRuntimeLibPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("读取模型输入输出信息失败: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("模型缺少输入或输出节点")
	}

	options, err := buildSessionOptions(cfg)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, options)
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("创建推理会话失败: %w", err)
	}

	return &Session{
		session:     session,
		options:     options,
		inputName:   inputs[0].Name,
		outputName:  outputs[0].Name,
		inputShape:  append([]int64(nil), inputs[0].Dimensions...),
		outputShape: append([]int64(nil), outputs[0].Dimensions...),
	}, nil
}

// NewSessionFromBytes 从内存中的模型数据创建会话，cfg 为 nil 时使用默认配置
func NewSessionFromBytes(modelData []byte, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	if err := ensureEnvironment(cfg.OnnxRuntimeLibPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(modelData)
	if err != nil {
		return nil, fmt.Errorf("读取模型输入输出信息失败: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("模型缺少输入或输出节点")
	}

	options, err := buildSessionOptions(cfg)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelData,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, options)
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("创建推理会话失败: %w", err)
	}

	return &Session{
		session:     session,
		options:     options,
		inputName:   inputs[0].Name,
		outputName:  outputs[0].Name,
		inputShape:  append([]int64(nil), inputs[0].Dimensions...),
		outputShape: append([]int64(nil), outputs[0].Dimensions...),
	}, nil
}

func buildSessionOptions(cfg *Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("创建会话选项失败: %w", err)
	}

	if cfg.ThreadCount > 0 {
		if err := options.SetIntraOpNumThreads(cfg.ThreadCount); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("设置线程数失败: %w", err)
		}
	}

	switch cfg.Backend {
	case BackendCPU:
		// 默认后端
	case BackendCUDA:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("创建 CUDA 选项失败: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("启用 CUDA 后端失败: %w", err)
		}
	case BackendCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("启用 CoreML 后端失败: %w", err)
		}
	case BackendDirectML:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("启用 DirectML 后端失败: %w", err)
		}
	default:
		options.Destroy()
		return nil, fmt.Errorf("未知推理后端: %v", cfg.Backend)
	}

	return options, nil
}

// InputShape 返回模型声明的输入形状，动态轴为 -1
func (s *Session) InputShape() []int64 {
	return append([]int64(nil), s.inputShape...)
}

// OutputShape 返回模型声明的输出形状，动态轴为 -1
func (s *Session) OutputShape() []int64 {
	return append([]int64(nil), s.outputShape...)
}

// Run 按静态形状执行推理，输入形状必须与模型声明一致
func (s *Session) Run(input Tensor) (Tensor, error) {
	if !shapeMatches(s.inputShape, input.Shape) {
		return Tensor{}, &ShapeMismatchError{Expected: s.InputShape(), Got: input.Shape}
	}
	return s.RunDynamic(input)
}

// RunDynamic 执行动态形状推理
func (s *Session) RunDynamic(input Tensor) (Tensor, error) {
	if err := input.validate(); err != nil {
		return Tensor{}, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, fmt.Errorf("创建输入张量失败: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return Tensor{}, fmt.Errorf("推理失败: %w", err)
	}

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return Tensor{}, fmt.Errorf("模型输出不是 float32 张量")
	}
	defer outputTensor.Destroy()

	// GetData 返回的切片指向 onnxruntime 持有的缓冲区，Destroy 前必须拷贝
	raw := outputTensor.GetData()
	data := make([]float32, len(raw))
	copy(data, raw)

	return Tensor{
		Shape: append([]int64(nil), outputTensor.GetShape()...),
		Data:  data,
	}, nil
}

// Close 释放会话资源
func (s *Session) Close() error {
	var firstErr error
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			firstErr = err
		}
		s.session = nil
	}
	if s.options != nil {
		if err := s.options.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.options = nil
	}
	return firstErr
}

// shapeMatches 比较形状，声明中的 -1 表示动态轴，与任意长度匹配
func shapeMatches(declared, got []int64) bool {
	if len(declared) != len(got) {
		return false
	}
	for i, d := range declared {
		if d >= 0 && d != got[i] {
			return false
		}
	}
	return true
}
