package ocr

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
)

// DetOptions 文本检测参数
type DetOptions struct {
	// MaxSideLen 输入图像最长边上限，超出时等比缩放
	MaxSideLen int
	// ScoreThreshold 概率图二值化阈值
	ScoreThreshold float32
	// BoxThreshold 文本框置信度阈值
	BoxThreshold float32
	// UnclipRatio 文本框外扩比例
	UnclipRatio float64
	// MinArea 最小连通域像素数
	MinArea int
	// BoxBorder 裁剪文本行时的外扩边距
	BoxBorder int
	// NMSThreshold 非极大值抑制的 IoU 阈值
	NMSThreshold float32
	// MergeBoxes 是否合并相邻文本框
	MergeBoxes bool
	// MergeThreshold 合并相邻框的像素间距
	MergeThreshold int
	// MultiScales 多尺度检测的尺度列表，配合 MergeMultiScaleResults 使用
	MultiScales []float32
	// BlockSize 分块检测的块大小，配合 SplitIntoBlocks 使用
	BlockSize int
	// BlockOverlap 分块之间的重叠像素
	BlockOverlap int
}

// DefaultDetOptions 默认检测参数
func DefaultDetOptions() DetOptions {
	return DetOptions{
		MaxSideLen:     960,
		ScoreThreshold: 0.3,
		BoxThreshold:   0.5,
		UnclipRatio:    1.5,
		MinArea:        16,
		BoxBorder:      5,
		NMSThreshold:   0.3,
		MergeBoxes:     false,
		MergeThreshold: 10,
		MultiScales:    []float32{0.5, 1.0, 1.5},
		BlockSize:      640,
		BlockOverlap:   100,
	}
}

// FastDetOptions 速度优先的检测参数，牺牲部分召回率
func FastDetOptions() DetOptions {
	opts := DefaultDetOptions()
	opts.MaxSideLen = 640
	opts.MinArea = 25
	return opts
}

// WithMaxSideLen 设置最长边上限
func (o DetOptions) WithMaxSideLen(maxSideLen int) DetOptions {
	o.MaxSideLen = maxSideLen
	return o
}

// WithScoreThreshold 设置二值化阈值
func (o DetOptions) WithScoreThreshold(threshold float32) DetOptions {
	o.ScoreThreshold = threshold
	return o
}

// WithUnclipRatio 设置外扩比例
func (o DetOptions) WithUnclipRatio(ratio float64) DetOptions {
	o.UnclipRatio = ratio
	return o
}

// WithMinArea 设置最小连通域面积
func (o DetOptions) WithMinArea(minArea int) DetOptions {
	o.MinArea = minArea
	return o
}

// WithMergeBoxes 设置是否合并相邻文本框
func (o DetOptions) WithMergeBoxes(merge bool) DetOptions {
	o.MergeBoxes = merge
	return o
}

// TextRegion 一个裁剪出的文本行区域
type TextRegion struct {
	// Image 裁剪后的文本行图像
	Image image.Image
	// Box 在原图坐标系下的文本框
	Box TextBox
}

// DetModel 文本检测模型，基于 DB 分割算法
type DetModel struct {
	runner onnx.Runner
	opts   DetOptions
	norm   NormalizeParams
}

// NewDetModelFromFile 从模型文件创建检测模型
func NewDetModelFromFile(modelPath string, cfg *onnx.Config) (*DetModel, error) {
	return NewDetModelFromFileWithOptions(modelPath, cfg, DefaultDetOptions())
}

// NewDetModelFromFileWithOptions 从模型文件创建检测模型并指定检测参数
func NewDetModelFromFileWithOptions(modelPath string, cfg *onnx.Config, opts DetOptions) (*DetModel, error) {
	session, err := onnx.NewSession(modelPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: 检测模型 %s: %v", ErrModelLoad, modelPath, err)
	}
	return &DetModel{runner: session, opts: opts, norm: PaddleDetNormalize()}, nil
}

// NewDetModelFromBytes 从模型字节数据创建检测模型
func NewDetModelFromBytes(modelData []byte, cfg *onnx.Config) (*DetModel, error) {
	return NewDetModelFromBytesWithOptions(modelData, cfg, DefaultDetOptions())
}

// NewDetModelFromBytesWithOptions 从模型字节数据创建检测模型并指定检测参数
func NewDetModelFromBytesWithOptions(modelData []byte, cfg *onnx.Config, opts DetOptions) (*DetModel, error) {
	session, err := onnx.NewSessionFromBytes(modelData, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: 检测模型: %v", ErrModelLoad, err)
	}
	return &DetModel{runner: session, opts: opts, norm: PaddleDetNormalize()}, nil
}

// Options 返回当前检测参数
func (m *DetModel) Options() DetOptions {
	return m.opts
}

// SetOptions 更新检测参数
func (m *DetModel) SetOptions(opts DetOptions) {
	m.opts = opts
}

// InputShape 返回模型输入形状，-1 表示动态维度
func (m *DetModel) InputShape() []int64 {
	return m.runner.InputShape()
}

// OutputShape 返回模型输出形状，-1 表示动态维度
func (m *DetModel) OutputShape() []int64 {
	return m.runner.OutputShape()
}

// Detect 检测图像中的文本区域，返回原图坐标系下按阅读顺序排序的文本框
func (m *DetModel) Detect(img image.Image) ([]TextBox, error) {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == 0 || origH == 0 {
		return nil, fmt.Errorf("%w: 图像尺寸为空", ErrPreprocess)
	}

	resized := ResizeToMaxSide(img, m.opts.MaxSideLen)
	validW := resized.Bounds().Dx()
	validH := resized.Bounds().Dy()

	input, err := PreprocessForDet(resized, m.norm)
	if err != nil {
		return nil, err
	}

	output, err := m.runner.RunDynamic(input)
	if err != nil {
		return nil, fmt.Errorf("检测推理失败: %w", err)
	}

	if len(output.Shape) < 3 {
		return nil, fmt.Errorf("%w: 检测输出维度异常 %v", ErrPostprocess, output.Shape)
	}
	maskW := int(output.Shape[len(output.Shape)-1])
	maskH := int(output.Shape[len(output.Shape)-2])
	if maskW*maskH > len(output.Data) {
		return nil, fmt.Errorf("%w: 检测输出数据不足", ErrPostprocess)
	}

	mask := ThresholdMask(output.Data[:maskW*maskH], m.opts.ScoreThreshold)
	boxes := ExtractBoxesWithUnclip(mask, maskW, maskH, validW, validH, origW, origH,
		m.opts.MinArea, float32(m.opts.UnclipRatio))

	boxes = NMS(boxes, m.opts.NMSThreshold)
	if m.opts.MergeBoxes {
		boxes = MergeAdjacentBoxes(boxes, m.opts.MergeThreshold)
	}
	SortBoxesByReadingOrder(boxes)

	slog.Debug("文本检测完成", "boxes", len(boxes), "valid_size",
		fmt.Sprintf("%dx%d", validW, validH))
	return boxes, nil
}

// DetectAndCrop 检测并裁剪文本行，裁剪区域按 BoxBorder 外扩
func (m *DetModel) DetectAndCrop(img image.Image) ([]TextRegion, error) {
	boxes, err := m.Detect(img)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	regions := make([]TextRegion, 0, len(boxes))
	for _, box := range boxes {
		expanded := box.Expand(m.opts.BoxBorder, bounds.Dx(), bounds.Dy())
		cropRect := expanded.Rect.Add(bounds.Min)
		// 返回外扩后的框，与裁剪图像一一对应
		regions = append(regions, TextRegion{
			Image: imaging.Crop(img, cropRect),
			Box:   expanded,
		})
	}
	return regions, nil
}

// DetectMultiScale 按 MultiScales 在多个尺度上分别检测，结果换算回原图后做 NMS 去重。
// 对字号差异较大的图像比单尺度检测召回更高，代价是推理次数成倍增加。
func (m *DetModel) DetectMultiScale(img image.Image) ([]TextBox, error) {
	scales := m.opts.MultiScales
	if len(scales) == 0 {
		return m.Detect(img)
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == 0 || origH == 0 {
		return nil, fmt.Errorf("%w: 图像尺寸为空", ErrPreprocess)
	}

	var results []ScaledBoxes
	for _, scale := range scales {
		if scale <= 0 {
			continue
		}
		scaledW := max(int(float32(origW)*scale), 1)
		scaledH := max(int(float32(origH)*scale), 1)

		scaled := img
		if scaledW != origW || scaledH != origH {
			scaled = imaging.Resize(img, scaledW, scaledH, imaging.Lanczos)
		}

		boxes, err := m.Detect(scaled)
		if err != nil {
			return nil, err
		}
		// Detect 返回的坐标已是 scaled 图像分辨率
		results = append(results, ScaledBoxes{Boxes: boxes, Scale: scale})
	}

	merged := MergeMultiScaleResults(results, m.opts.NMSThreshold)
	SortBoxesByReadingOrder(merged)
	slog.Debug("多尺度检测完成", "scales", len(scales), "boxes", len(merged))
	return merged, nil
}

// DetectBlocks 将大图按 BlockSize/BlockOverlap 分块检测，结果换算回原图后去重。
// 适合远超 MaxSideLen 的高分辨率文档，避免整体缩放丢失小字
func (m *DetModel) DetectBlocks(img image.Image) ([]TextBox, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: 图像尺寸为空", ErrPreprocess)
	}
	if m.opts.BlockSize <= 0 ||
		(bounds.Dx() <= m.opts.BlockSize && bounds.Dy() <= m.opts.BlockSize) {
		return m.Detect(img)
	}

	blocks := SplitIntoBlocks(img, m.opts.BlockSize, m.opts.BlockOverlap)

	var results []ScaledBoxes
	for _, block := range blocks {
		boxes, err := m.Detect(block.Image)
		if err != nil {
			return nil, err
		}
		results = append(results, ScaledBoxes{
			Boxes:   boxes,
			OffsetX: block.X,
			OffsetY: block.Y,
			Scale:   1.0,
		})
	}

	merged := MergeMultiScaleResults(results, m.opts.NMSThreshold)
	SortBoxesByReadingOrder(merged)
	slog.Debug("分块检测完成", "blocks", len(blocks), "boxes", len(merged))
	return merged, nil
}

// RunRaw 直接执行一次推理，返回原始输出张量
func (m *DetModel) RunRaw(input onnx.Tensor) (onnx.Tensor, error) {
	return m.runner.RunDynamic(input)
}

// Close 释放模型资源
func (m *DetModel) Close() error {
	return m.runner.Close()
}
