package ocr

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
)

// OriPreprocessMode 方向分类的预处理模式
type OriPreprocessMode int

const (
	// OriModeDoc 文档方向模式（PP-LCNet_x1_0_doc_ori）
	OriModeDoc OriPreprocessMode = iota
	// OriModeTextline 文本行方向模式（PP-LCNet_x1_0_textline_ori）
	OriModeTextline
)

// String 返回模式名称
func (m OriPreprocessMode) String() string {
	switch m {
	case OriModeDoc:
		return "doc"
	case OriModeTextline:
		return "textline"
	default:
		return "unknown"
	}
}

// OrientationResult 一次方向分类的结果
type OrientationResult struct {
	// ClassIdx 预测类别索引
	ClassIdx int
	// Angle 预测角度（度）
	Angle int
	// Confidence softmax 置信度
	Confidence float32
	// Scores 各类别的 softmax 概率
	Scores []float32
}

// IsValid 判断置信度是否达到阈值
func (r OrientationResult) IsValid(threshold float32) bool {
	return r.Confidence >= threshold
}

// OriOptions 方向分类参数
type OriOptions struct {
	// TargetHeight 模型输入高度
	TargetHeight int
	// TargetWidth 模型输入宽度
	TargetWidth int
	// MinScore 调用方过滤用的最低置信度
	MinScore float32
	// ResizeShorter 文档模式下短边缩放尺寸
	ResizeShorter int
	// PreprocessMode 预处理模式
	PreprocessMode OriPreprocessMode
	// ClassAngles 类别索引到角度的映射表
	ClassAngles []int
}

// DefaultOriOptions 默认方向分类参数，等同于文档模式
func DefaultOriOptions() OriOptions {
	return DocOriOptions()
}

// DocOriOptions 文档方向分类预设
func DocOriOptions() OriOptions {
	return OriOptions{
		TargetHeight:   224,
		TargetWidth:    224,
		MinScore:       0.5,
		ResizeShorter:  256,
		PreprocessMode: OriModeDoc,
		ClassAngles:    []int{0, 90, 180, 270},
	}
}

// TextlineOriOptions 文本行方向分类预设
func TextlineOriOptions() OriOptions {
	return OriOptions{
		TargetHeight:   48,
		TargetWidth:    192,
		MinScore:       0.5,
		ResizeShorter:  256,
		PreprocessMode: OriModeTextline,
		ClassAngles:    []int{0, 180},
	}
}

// WithTargetSize 设置输入尺寸
func (o OriOptions) WithTargetSize(width, height int) OriOptions {
	o.TargetWidth = width
	o.TargetHeight = height
	return o
}

// WithMinScore 设置最低置信度
func (o OriOptions) WithMinScore(score float32) OriOptions {
	o.MinScore = score
	return o
}

// WithResizeShorter 设置文档模式短边尺寸
func (o OriOptions) WithResizeShorter(size int) OriOptions {
	o.ResizeShorter = size
	return o
}

// WithPreprocessMode 设置预处理模式
func (o OriOptions) WithPreprocessMode(mode OriPreprocessMode) OriOptions {
	o.PreprocessMode = mode
	return o
}

// WithClassAngles 设置类别到角度的映射表
func (o OriOptions) WithClassAngles(angles []int) OriOptions {
	o.ClassAngles = angles
	return o
}

// oriNormalizeFor 各预处理模式对应的归一化参数
func oriNormalizeFor(mode OriPreprocessMode) NormalizeParams {
	if mode == OriModeTextline {
		return PaddleRecNormalize()
	}
	return PaddleDetNormalize()
}

// OriModel 方向分类模型
type OriModel struct {
	runner onnx.Runner
	opts   OriOptions
	norm   NormalizeParams
}

// NewOriModelFromFile 从模型文件创建方向分类模型
func NewOriModelFromFile(modelPath string, cfg *onnx.Config) (*OriModel, error) {
	return NewOriModelFromFileWithOptions(modelPath, cfg, DefaultOriOptions())
}

// NewOriModelFromFileWithOptions 从模型文件创建方向分类模型并指定参数
func NewOriModelFromFileWithOptions(modelPath string, cfg *onnx.Config, opts OriOptions) (*OriModel, error) {
	session, err := onnx.NewSession(modelPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: 方向分类模型 %s: %v", ErrModelLoad, modelPath, err)
	}
	return &OriModel{runner: session, opts: opts, norm: oriNormalizeFor(opts.PreprocessMode)}, nil
}

// NewOriModelFromBytes 从模型字节数据创建方向分类模型
func NewOriModelFromBytes(modelData []byte, cfg *onnx.Config) (*OriModel, error) {
	return NewOriModelFromBytesWithOptions(modelData, cfg, DefaultOriOptions())
}

// NewOriModelFromBytesWithOptions 从模型字节数据创建方向分类模型并指定参数
func NewOriModelFromBytesWithOptions(modelData []byte, cfg *onnx.Config, opts OriOptions) (*OriModel, error) {
	session, err := onnx.NewSessionFromBytes(modelData, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: 方向分类模型: %v", ErrModelLoad, err)
	}
	return &OriModel{runner: session, opts: opts, norm: oriNormalizeFor(opts.PreprocessMode)}, nil
}

// Options 返回当前方向分类参数
func (m *OriModel) Options() OriOptions {
	return m.opts
}

// SetOptions 更新方向分类参数并同步归一化参数
func (m *OriModel) SetOptions(opts OriOptions) {
	m.opts = opts
	m.norm = oriNormalizeFor(opts.PreprocessMode)
}

// InputShape 返回模型输入形状，-1 表示动态维度
func (m *OriModel) InputShape() []int64 {
	return m.runner.InputShape()
}

// OutputShape 返回模型输出形状，-1 表示动态维度
func (m *OriModel) OutputShape() []int64 {
	return m.runner.OutputShape()
}

// Classify 对图像做方向分类
func (m *OriModel) Classify(img image.Image) (OrientationResult, error) {
	input, err := preprocessForOri(img, m.opts, m.norm)
	if err != nil {
		return OrientationResult{}, err
	}

	output, err := m.runner.RunDynamic(input)
	if err != nil {
		return OrientationResult{}, fmt.Errorf("方向分类推理失败: %w", err)
	}

	return m.decodeOutput(output)
}

// decodeOutput 取输出最后一维为类别数，softmax 后取最大概率类别
func (m *OriModel) decodeOutput(output onnx.Tensor) (OrientationResult, error) {
	if len(output.Shape) == 0 || len(output.Data) == 0 {
		return OrientationResult{}, fmt.Errorf("%w: 方向分类输出为空", ErrPostprocess)
	}

	numClasses := int(output.Shape[len(output.Shape)-1])
	if numClasses == 0 || len(output.Data) < numClasses {
		return OrientationResult{}, fmt.Errorf("%w: 方向分类输出类别数异常", ErrPostprocess)
	}

	scores := softmax(output.Data[:numClasses])

	classIdx := 0
	confidence := scores[0]
	for i, s := range scores {
		if s > confidence {
			classIdx = i
			confidence = s
		}
	}

	angle := classToAngle(numClasses, classIdx, m.opts.ClassAngles)
	return OrientationResult{
		ClassIdx:   classIdx,
		Angle:      angle,
		Confidence: confidence,
		Scores:     scores,
	}, nil
}

// RunRaw 直接执行一次推理，返回原始输出张量
func (m *OriModel) RunRaw(input onnx.Tensor) (onnx.Tensor, error) {
	return m.runner.RunDynamic(input)
}

// Close 释放模型资源
func (m *OriModel) Close() error {
	return m.runner.Close()
}

// classToAngle 类别索引转角度。优先使用映射表，其次按类别数使用内置映射，
// 最后退化为索引即角度
func classToAngle(numClasses, classIdx int, classAngles []int) int {
	if len(classAngles) == numClasses && classIdx < len(classAngles) {
		return classAngles[classIdx]
	}

	switch numClasses {
	case 2:
		if classIdx == 0 {
			return 0
		}
		return 180
	case 4:
		switch classIdx {
		case 0:
			return 0
		case 1:
			return 90
		case 2:
			return 180
		case 3:
			return 270
		}
	}
	return classIdx
}

// softmax 数值稳定的 softmax
func softmax(scores []float32) []float32 {
	if len(scores) == 0 {
		return nil
	}

	maxScore := scores[0]
	for _, s := range scores[1:] {
		maxScore = max(maxScore, s)
	}

	exp := make([]float32, len(scores))
	var sum float32
	for i, s := range scores {
		exp[i] = float32(math.Exp(float64(s - maxScore)))
		sum += exp[i]
	}

	if sum == 0 {
		return make([]float32, len(scores))
	}
	for i := range exp {
		exp[i] /= sum
	}
	return exp
}

// preprocessForOri 方向分类预处理。
// 文档模式：短边缩放到 ResizeShorter 后中心裁剪；文本行模式：按高度等比缩放并限宽。
// 通道按 BGR 顺序写入，与 Paddle 预处理保持一致。
func preprocessForOri(img image.Image, opts OriOptions, params NormalizeParams) (onnx.Tensor, error) {
	if opts.TargetHeight <= 0 || opts.TargetWidth <= 0 {
		return onnx.Tensor{}, fmt.Errorf("%w: 目标尺寸必须大于 0", ErrInvalidParameter)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return onnx.Tensor{}, fmt.Errorf("%w: 图像尺寸为空", ErrPreprocess)
	}

	var processed *image.NRGBA
	switch opts.PreprocessMode {
	case OriModeTextline:
		w, h := bounds.Dx(), bounds.Dy()
		ratio := float64(w) / float64(max(h, 1))
		resizeW := int(float64(opts.TargetHeight)*ratio + 0.5)
		resizeW = max(resizeW, 1)
		resizeW = min(resizeW, opts.TargetWidth)
		processed = imaging.Resize(img, resizeW, opts.TargetHeight, imaging.Lanczos)
	default:
		w, h := bounds.Dx(), bounds.Dy()
		shorter := max(min(w, h), 1)
		scale := float64(opts.ResizeShorter) / float64(shorter)
		newW := max(int(float64(w)*scale+0.5), 1)
		newH := max(int(float64(h)*scale+0.5), 1)
		resized := imaging.Resize(img, newW, newH, imaging.Lanczos)

		if newW < opts.TargetWidth || newH < opts.TargetHeight {
			processed = imaging.Resize(resized, opts.TargetWidth, opts.TargetHeight, imaging.Lanczos)
		} else {
			processed = imaging.CropCenter(resized, opts.TargetWidth, opts.TargetHeight)
		}
	}

	procW := processed.Bounds().Dx()
	procH := processed.Bounds().Dy()
	area := opts.TargetHeight * opts.TargetWidth
	data := make([]float32, 3*area)

	maxY := min(procH, opts.TargetHeight)
	maxX := min(procW, opts.TargetWidth)

	for y := 0; y < maxY; y++ {
		row := processed.Pix[y*processed.Stride:]
		for x := 0; x < maxX; x++ {
			r := float32(row[x*4]) / 255.0
			g := float32(row[x*4+1]) / 255.0
			b := float32(row[x*4+2]) / 255.0

			data[0*area+y*opts.TargetWidth+x] = (b - params.Mean[0]) / params.Std[0]
			data[1*area+y*opts.TargetWidth+x] = (g - params.Mean[1]) / params.Std[1]
			data[2*area+y*opts.TargetWidth+x] = (r - params.Mean[2]) / params.Std[2]
		}
	}

	return onnx.Tensor{
		Shape: []int64{1, 3, int64(opts.TargetHeight), int64(opts.TargetWidth)},
		Data:  data,
	}, nil
}
