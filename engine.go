package ocr

import (
	"fmt"
	"image"
	"log/slog"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/up-zero/gotool/convertutil"
	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/sync/errgroup"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
)

// Result 一条 OCR 识别结果
type Result struct {
	// Text 识别出的文本
	Text string
	// Confidence 置信度
	Confidence float32
	// Box 原图坐标系下的文本框
	Box TextBox
}

// OcrEngineConfig OCR 引擎配置
type OcrEngineConfig struct {
	// Backend 推理后端
	Backend onnx.Backend
	// ThreadCount 推理线程数，同时也是并行识别的并发上限
	ThreadCount int
	// OnnxRuntimeLibPath onnxruntime 动态库路径，为空时使用默认位置
	OnnxRuntimeLibPath string
	// DetOptions 检测参数
	DetOptions DetOptions
	// RecOptions 识别参数
	RecOptions RecOptions
	// OriOptions 方向分类参数
	OriOptions OriOptions
	// EnableParallel 文本行较多时是否并行识别
	EnableParallel bool
	// MinResultConfidence 结果级置信度阈值，低于该值的结果被过滤
	MinResultConfidence float32
	// OriMinConfidence 方向纠正的最低置信度
	OriMinConfidence float32
}

// DefaultOcrEngineConfig 默认引擎配置
func DefaultOcrEngineConfig() *OcrEngineConfig {
	return &OcrEngineConfig{
		Backend:             onnx.BackendCPU,
		ThreadCount:         4,
		OnnxRuntimeLibPath:  DefaultLibraryPath(),
		DetOptions:          DefaultDetOptions(),
		RecOptions:          DefaultRecOptions(),
		OriOptions:          DefaultOriOptions(),
		EnableParallel:      true,
		MinResultConfidence: 0.5,
		OriMinConfidence:    0.3,
	}
}

// FastOcrEngineConfig 速度优先的引擎配置
func FastOcrEngineConfig() *OcrEngineConfig {
	cfg := DefaultOcrEngineConfig()
	cfg.DetOptions = FastDetOptions()
	return cfg
}

// GPUOcrEngineConfig GPU 引擎配置，根据操作系统选择执行提供器
func GPUOcrEngineConfig() *OcrEngineConfig {
	cfg := DefaultOcrEngineConfig()
	switch runtime.GOOS {
	case "darwin":
		cfg.Backend = onnx.BackendCoreML
	case "windows":
		cfg.Backend = onnx.BackendDirectML
	default:
		cfg.Backend = onnx.BackendCUDA
	}
	return cfg
}

// inferenceConfig 映射到推理层配置
func (c *OcrEngineConfig) inferenceConfig() (*onnx.Config, error) {
	cfg := new(onnx.Config)
	if err := convertutil.CopyProperties(c, cfg); err != nil {
		return nil, fmt.Errorf("%w: 复制推理配置失败: %v", ErrInvalidParameter, err)
	}
	return cfg, nil
}

// OcrEngine OCR 引擎，封装检测、识别与可选的方向纠正
type OcrEngine struct {
	det    *DetModel
	rec    *RecModel
	ori    *OriModel
	config *OcrEngineConfig
}

// NewOcrEngine 从模型文件创建 OCR 引擎，config 为 nil 时使用默认配置
func NewOcrEngine(detModelPath, recModelPath, charsetPath string, config *OcrEngineConfig) (*OcrEngine, error) {
	return newEngineFromFiles(detModelPath, recModelPath, charsetPath, "", config)
}

// NewOcrEngineWithOri 从模型文件创建带方向纠正的 OCR 引擎
func NewOcrEngineWithOri(detModelPath, recModelPath, charsetPath, oriModelPath string, config *OcrEngineConfig) (*OcrEngine, error) {
	return newEngineFromFiles(detModelPath, recModelPath, charsetPath, oriModelPath, config)
}

func newEngineFromFiles(detModelPath, recModelPath, charsetPath, oriModelPath string, config *OcrEngineConfig) (*OcrEngine, error) {
	if config == nil {
		config = DefaultOcrEngineConfig()
	}
	inferCfg, err := config.inferenceConfig()
	if err != nil {
		return nil, err
	}

	det, err := NewDetModelFromFileWithOptions(detModelPath, inferCfg, config.DetOptions)
	if err != nil {
		return nil, err
	}

	rec, err := NewRecModelFromFileWithOptions(recModelPath, charsetPath, inferCfg, config.RecOptions)
	if err != nil {
		det.Close()
		return nil, err
	}

	var ori *OriModel
	if oriModelPath != "" {
		ori, err = NewOriModelFromFileWithOptions(oriModelPath, inferCfg, config.OriOptions)
		if err != nil {
			det.Close()
			rec.Close()
			return nil, err
		}
	}

	return &OcrEngine{det: det, rec: rec, ori: ori, config: config}, nil
}

// NewOcrEngineFromBytes 从模型字节数据创建 OCR 引擎
func NewOcrEngineFromBytes(detModelData, recModelData, charsetData []byte, config *OcrEngineConfig) (*OcrEngine, error) {
	return newEngineFromBytes(detModelData, recModelData, charsetData, nil, config)
}

// NewOcrEngineFromBytesWithOri 从模型字节数据创建带方向纠正的 OCR 引擎
func NewOcrEngineFromBytesWithOri(detModelData, recModelData, charsetData, oriModelData []byte, config *OcrEngineConfig) (*OcrEngine, error) {
	return newEngineFromBytes(detModelData, recModelData, charsetData, oriModelData, config)
}

func newEngineFromBytes(detModelData, recModelData, charsetData, oriModelData []byte, config *OcrEngineConfig) (*OcrEngine, error) {
	if config == nil {
		config = DefaultOcrEngineConfig()
	}
	inferCfg, err := config.inferenceConfig()
	if err != nil {
		return nil, err
	}

	det, err := NewDetModelFromBytesWithOptions(detModelData, inferCfg, config.DetOptions)
	if err != nil {
		return nil, err
	}

	rec, err := NewRecModelFromBytesWithOptions(recModelData, charsetData, inferCfg, config.RecOptions)
	if err != nil {
		det.Close()
		return nil, err
	}

	var ori *OriModel
	if len(oriModelData) > 0 {
		ori, err = NewOriModelFromBytesWithOptions(oriModelData, inferCfg, config.OriOptions)
		if err != nil {
			det.Close()
			rec.Close()
			return nil, err
		}
	}

	return &OcrEngine{det: det, rec: rec, ori: ori, config: config}, nil
}

// Recognize 执行完整 OCR 流程：方向纠正、文本检测、文本识别、结果过滤。
// 结果按检测顺序排列，任一环节出错则整体返回错误。
func (e *OcrEngine) Recognize(img image.Image) ([]Result, error) {
	corrected := e.correctOrientation(img)

	regions, err := e.det.DetectAndCrop(corrected)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, nil
	}
	slog.Debug("检测到文本行", "count", len(regions))

	images := make([]image.Image, len(regions))
	for i, region := range regions {
		images[i] = region.Image
	}

	var recResults []RecognitionResult
	if e.config.EnableParallel && len(images) > 4 {
		recResults = make([]RecognitionResult, len(images))
		var g errgroup.Group
		g.SetLimit(max(e.config.ThreadCount, 1))
		for i, lineImg := range images {
			i, lineImg := i, lineImg
			g.Go(func() error {
				r, err := e.rec.Recognize(lineImg)
				if err != nil {
					return err
				}
				recResults[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		recResults, err = e.rec.RecognizeBatch(images)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(recResults))
	for i, rec := range recResults {
		if rec.Text == "" || rec.Confidence < e.config.MinResultConfidence {
			continue
		}
		results = append(results, Result{
			Text:       rec.Text,
			Confidence: rec.Confidence,
			Box:        regions[i].Box,
		})
	}
	slog.Debug("识别完成", "results", len(results), "filtered", len(recResults)-len(results))
	return results, nil
}

// Detect 仅执行文本检测
func (e *OcrEngine) Detect(img image.Image) ([]TextBox, error) {
	return e.det.Detect(img)
}

// RecognizeText 仅识别单张文本行图像
func (e *OcrEngine) RecognizeText(img image.Image) (RecognitionResult, error) {
	return e.rec.Recognize(img)
}

// RecognizeBatch 批量识别文本行图像
func (e *OcrEngine) RecognizeBatch(images []image.Image) ([]RecognitionResult, error) {
	return e.rec.RecognizeBatch(images)
}

// ClassifyOrientation 仅执行方向分类，引擎未加载方向模型时返回 ErrNotInitialized
func (e *OcrEngine) ClassifyOrientation(img image.Image) (OrientationResult, error) {
	if e.ori == nil {
		return OrientationResult{}, fmt.Errorf("%w: 方向分类模型未加载", ErrNotInitialized)
	}
	return e.ori.Classify(img)
}

// DetModel 返回检测模型
func (e *OcrEngine) DetModel() *DetModel {
	return e.det
}

// RecModel 返回识别模型
func (e *OcrEngine) RecModel() *RecModel {
	return e.rec
}

// OriModel 返回方向分类模型，未启用时为 nil
func (e *OcrEngine) OriModel() *OriModel {
	return e.ori
}

// Config 返回引擎配置
func (e *OcrEngine) Config() *OcrEngineConfig {
	return e.config
}

// Close 释放全部模型资源
func (e *OcrEngine) Close() error {
	var firstErr error
	if err := e.det.Close(); err != nil {
		firstErr = err
	}
	if err := e.rec.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.ori != nil {
		if err := e.ori.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// correctOrientation 方向纠正。分类失败或置信度不足时原样返回
func (e *OcrEngine) correctOrientation(img image.Image) image.Image {
	if e.ori == nil {
		return img
	}

	result, err := e.ori.Classify(img)
	if err != nil {
		slog.Debug("方向分类失败，跳过纠正", "err", err)
		return img
	}
	if !result.IsValid(e.config.OriMinConfidence) {
		return img
	}

	angle := ((result.Angle % 360) + 360) % 360
	if angle == 0 {
		return img
	}

	slog.Debug("执行方向纠正", "angle", angle, "confidence", result.Confidence)
	return rotateByAngle(img, angle)
}

// rotateByAngle 按检测到的角度旋转回水平方向
func rotateByAngle(img image.Image, angle int) image.Image {
	switch ((angle % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate90(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate270(img)
	default:
		return img
	}
}

// DetOnlyEngine 仅检测引擎
type DetOnlyEngine struct {
	det *DetModel
}

// NewDetOnlyEngine 创建仅检测引擎
func NewDetOnlyEngine(detModelPath string, config *OcrEngineConfig) (*DetOnlyEngine, error) {
	if config == nil {
		config = DefaultOcrEngineConfig()
	}
	inferCfg, err := config.inferenceConfig()
	if err != nil {
		return nil, err
	}
	det, err := NewDetModelFromFileWithOptions(detModelPath, inferCfg, config.DetOptions)
	if err != nil {
		return nil, err
	}
	return &DetOnlyEngine{det: det}, nil
}

// Detect 检测文本区域
func (e *DetOnlyEngine) Detect(img image.Image) ([]TextBox, error) {
	return e.det.Detect(img)
}

// DetectAndCrop 检测并裁剪文本行
func (e *DetOnlyEngine) DetectAndCrop(img image.Image) ([]TextRegion, error) {
	return e.det.DetectAndCrop(img)
}

// Model 返回检测模型
func (e *DetOnlyEngine) Model() *DetModel {
	return e.det
}

// Close 释放模型资源
func (e *DetOnlyEngine) Close() error {
	return e.det.Close()
}

// RecOnlyEngine 仅识别引擎
type RecOnlyEngine struct {
	rec *RecModel
}

// NewRecOnlyEngine 创建仅识别引擎
func NewRecOnlyEngine(recModelPath, charsetPath string, config *OcrEngineConfig) (*RecOnlyEngine, error) {
	if config == nil {
		config = DefaultOcrEngineConfig()
	}
	inferCfg, err := config.inferenceConfig()
	if err != nil {
		return nil, err
	}
	rec, err := NewRecModelFromFileWithOptions(recModelPath, charsetPath, inferCfg, config.RecOptions)
	if err != nil {
		return nil, err
	}
	return &RecOnlyEngine{rec: rec}, nil
}

// Recognize 识别单张文本行图像
func (e *RecOnlyEngine) Recognize(img image.Image) (RecognitionResult, error) {
	return e.rec.Recognize(img)
}

// RecognizeText 识别单张文本行图像，仅返回文本
func (e *RecOnlyEngine) RecognizeText(img image.Image) (string, error) {
	return e.rec.RecognizeText(img)
}

// RecognizeBatch 批量识别文本行图像
func (e *RecOnlyEngine) RecognizeBatch(images []image.Image) ([]RecognitionResult, error) {
	return e.rec.RecognizeBatch(images)
}

// Model 返回识别模型
func (e *RecOnlyEngine) Model() *RecModel {
	return e.rec
}

// Close 释放模型资源
func (e *RecOnlyEngine) Close() error {
	return e.rec.Close()
}

// OcrFile 便捷函数：读取图像文件并执行完整 OCR
func OcrFile(imagePath, detModelPath, recModelPath, charsetPath string) ([]Result, error) {
	img, err := imageutil.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: 打开图像 %s 失败: %v", ErrPreprocess, imagePath, err)
	}

	engine, err := NewOcrEngine(detModelPath, recModelPath, charsetPath, nil)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	return engine.Recognize(img)
}

// OcrFileWithOri 便捷函数：读取图像文件并执行带方向纠正的完整 OCR
func OcrFileWithOri(imagePath, detModelPath, recModelPath, charsetPath, oriModelPath string) ([]Result, error) {
	img, err := imageutil.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: 打开图像 %s 失败: %v", ErrPreprocess, imagePath, err)
	}

	engine, err := NewOcrEngineWithOri(detModelPath, recModelPath, charsetPath, oriModelPath, nil)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	return engine.Recognize(img)
}
