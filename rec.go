package ocr

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
	"github.com/getcharzp/paddle-ocr/internal/util"
)

// punctuations 常见标点符号，置信度过滤时使用更低的阈值
var punctuations = map[rune]struct{}{
	',': {}, '.': {}, '!': {}, '?': {}, ';': {}, ':': {}, '"': {}, '\'': {},
	'(': {}, ')': {}, '[': {}, ']': {}, '{': {}, '}': {}, '-': {}, '_': {},
	'/': {}, '\\': {}, '|': {}, '@': {}, '#': {}, '$': {}, '%': {}, '&': {},
	'*': {}, '+': {}, '=': {}, '~': {},
	'，': {}, '。': {}, '！': {}, '？': {}, '；': {}, '：': {}, '、': {},
	'「': {}, '」': {}, '『': {}, '』': {}, '（': {}, '）': {}, '【': {}, '】': {},
	'《': {}, '》': {}, '—': {}, '…': {}, '·': {}, '～': {},
}

// isPunctuation 判断字符是否为标点
func isPunctuation(ch rune) bool {
	_, ok := punctuations[ch]
	return ok
}

// CharScore 单个字符及其置信度
type CharScore struct {
	Char  rune
	Score float32
}

// RecognitionResult 一次文本识别的结果
type RecognitionResult struct {
	// Text 识别出的文本
	Text string
	// Confidence 整体置信度，为保留字符置信度的均值
	Confidence float32
	// CharScores 每个保留字符的置信度
	CharScores []CharScore
}

// IsValid 判断结果是否达到给定置信度且文本非空
func (r RecognitionResult) IsValid(minConfidence float32) bool {
	return r.Text != "" && r.Confidence >= minConfidence
}

// RecOptions 文本识别参数
type RecOptions struct {
	// TargetHeight 识别模型输入高度
	TargetHeight int
	// MinScore 普通字符的最低置信度
	MinScore float32
	// PunctMinScore 标点字符的最低置信度
	PunctMinScore float32
	// BatchSize 批量推理的批大小
	BatchSize int
	// EnableBatch 是否启用批量推理
	EnableBatch bool
}

// DefaultRecOptions 默认识别参数
func DefaultRecOptions() RecOptions {
	return RecOptions{
		TargetHeight:  48,
		MinScore:      0.3,
		PunctMinScore: 0.1,
		BatchSize:     8,
		EnableBatch:   true,
	}
}

// WithTargetHeight 设置输入高度
func (o RecOptions) WithTargetHeight(height int) RecOptions {
	o.TargetHeight = height
	return o
}

// WithMinScore 设置普通字符最低置信度
func (o RecOptions) WithMinScore(score float32) RecOptions {
	o.MinScore = score
	return o
}

// WithPunctMinScore 设置标点字符最低置信度
func (o RecOptions) WithPunctMinScore(score float32) RecOptions {
	o.PunctMinScore = score
	return o
}

// WithBatchSize 设置批大小
func (o RecOptions) WithBatchSize(size int) RecOptions {
	o.BatchSize = size
	return o
}

// WithBatch 设置是否启用批量推理
func (o RecOptions) WithBatch(enable bool) RecOptions {
	o.EnableBatch = enable
	return o
}

// RecModel 文本识别模型，基于 CTC 贪心解码
type RecModel struct {
	runner  onnx.Runner
	charset []rune
	opts    RecOptions
	norm    NormalizeParams
}

// NewRecModelFromFile 从模型文件与字典文件创建识别模型
func NewRecModelFromFile(modelPath, charsetPath string, cfg *onnx.Config) (*RecModel, error) {
	return NewRecModelFromFileWithOptions(modelPath, charsetPath, cfg, DefaultRecOptions())
}

// NewRecModelFromFileWithOptions 从模型文件与字典文件创建识别模型并指定识别参数
func NewRecModelFromFileWithOptions(modelPath, charsetPath string, cfg *onnx.Config, opts RecOptions) (*RecModel, error) {
	charset, err := util.LoadCharset(charsetPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCharset, err)
	}
	session, err := onnx.NewSession(modelPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: 识别模型 %s: %v", ErrModelLoad, modelPath, err)
	}
	return &RecModel{runner: session, charset: charset, opts: opts, norm: PaddleRecNormalize()}, nil
}

// NewRecModelFromBytes 从模型与字典的字节数据创建识别模型
func NewRecModelFromBytes(modelData, charsetData []byte, cfg *onnx.Config) (*RecModel, error) {
	return NewRecModelFromBytesWithOptions(modelData, charsetData, cfg, DefaultRecOptions())
}

// NewRecModelFromBytesWithOptions 从模型与字典的字节数据创建识别模型并指定识别参数
func NewRecModelFromBytesWithOptions(modelData, charsetData []byte, cfg *onnx.Config, opts RecOptions) (*RecModel, error) {
	charset, err := util.ParseCharset(charsetData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCharset, err)
	}
	session, err := onnx.NewSessionFromBytes(modelData, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: 识别模型: %v", ErrModelLoad, err)
	}
	return &RecModel{runner: session, charset: charset, opts: opts, norm: PaddleRecNormalize()}, nil
}

// Options 返回当前识别参数
func (m *RecModel) Options() RecOptions {
	return m.opts
}

// SetOptions 更新识别参数
func (m *RecModel) SetOptions(opts RecOptions) {
	m.opts = opts
}

// Charset 返回字符表
func (m *RecModel) Charset() []rune {
	return m.charset
}

// CharsetSize 返回字符表大小
func (m *RecModel) CharsetSize() int {
	return len(m.charset)
}

// GetChar 按索引查询字符，越界时返回 false
func (m *RecModel) GetChar(index int) (rune, bool) {
	if index < 0 || index >= len(m.charset) {
		return 0, false
	}
	return m.charset[index], true
}

// InputShape 返回模型输入形状，-1 表示动态维度
func (m *RecModel) InputShape() []int64 {
	return m.runner.InputShape()
}

// OutputShape 返回模型输出形状，-1 表示动态维度
func (m *RecModel) OutputShape() []int64 {
	return m.runner.OutputShape()
}

// Recognize 识别单张文本行图像
func (m *RecModel) Recognize(img image.Image) (RecognitionResult, error) {
	input, err := PreprocessForRec(img, m.opts.TargetHeight, m.norm)
	if err != nil {
		return RecognitionResult{}, err
	}

	output, err := m.runner.RunDynamic(input)
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("识别推理失败: %w", err)
	}

	return m.decodeOutput(output)
}

// RecognizeText 识别单张文本行图像，仅返回文本
func (m *RecModel) RecognizeText(img image.Image) (string, error) {
	result, err := m.Recognize(img)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// RecognizeBatch 批量识别文本行图像，结果顺序与输入一致。
// 图像数不超过 2 张或禁用批量时逐张识别，否则按 BatchSize 分批推理。
func (m *RecModel) RecognizeBatch(images []image.Image) ([]RecognitionResult, error) {
	if len(images) == 0 {
		return nil, nil
	}

	if len(images) <= 2 || !m.opts.EnableBatch {
		results := make([]RecognitionResult, 0, len(images))
		for _, img := range images {
			r, err := m.Recognize(img)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
		return results, nil
	}

	results := make([]RecognitionResult, 0, len(images))
	for start := 0; start < len(images); start += m.opts.BatchSize {
		end := min(start+m.opts.BatchSize, len(images))
		batch, err := m.recognizeChunk(images[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	slog.Debug("批量识别完成", "images", len(images), "batch_size", m.opts.BatchSize)
	return results, nil
}

// recognizeChunk 识别一个批次，批内宽度 padding 到最大宽度
func (m *RecModel) recognizeChunk(images []image.Image) ([]RecognitionResult, error) {
	if len(images) == 1 {
		r, err := m.Recognize(images[0])
		if err != nil {
			return nil, err
		}
		return []RecognitionResult{r}, nil
	}

	input, err := PreprocessBatchForRec(images, m.opts.TargetHeight, m.norm)
	if err != nil {
		return nil, err
	}

	output, err := m.runner.RunDynamic(input)
	if err != nil {
		return nil, fmt.Errorf("批量识别推理失败: %w", err)
	}

	if len(output.Shape) != 3 {
		return nil, fmt.Errorf("%w: 批量识别输出维度异常 %v", ErrPostprocess, output.Shape)
	}

	batchSize := int(output.Shape[0])
	seqLen := int(output.Shape[1])
	numClasses := int(output.Shape[2])
	sampleSize := seqLen * numClasses

	results := make([]RecognitionResult, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		sample := onnx.Tensor{
			Shape: []int64{int64(seqLen), int64(numClasses)},
			Data:  output.Data[i*sampleSize : (i+1)*sampleSize],
		}
		r, err := m.decodeOutput(sample)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// decodeOutput CTC 贪心解码。
// 每个时间步取最大概率的字符，跳过 blank（索引 0）及与前一步重复的索引。
func (m *RecModel) decodeOutput(output onnx.Tensor) (RecognitionResult, error) {
	var seqLen, numClasses int
	switch len(output.Shape) {
	case 3:
		seqLen = int(output.Shape[1])
		numClasses = int(output.Shape[2])
	case 2:
		seqLen = int(output.Shape[0])
		numClasses = int(output.Shape[1])
	default:
		return RecognitionResult{}, fmt.Errorf("%w: 识别输出维度异常 %v", ErrPostprocess, output.Shape)
	}
	if numClasses <= 0 {
		return RecognitionResult{}, fmt.Errorf("%w: 识别输出类别数异常 %v", ErrPostprocess, output.Shape)
	}
	if seqLen*numClasses > len(output.Data) {
		return RecognitionResult{}, fmt.Errorf("%w: 识别输出数据不足", ErrPostprocess)
	}

	var charScores []CharScore
	prevIdx := 0

	for t := 0; t < seqLen; t++ {
		probs := output.Data[t*numClasses : (t+1)*numClasses]

		maxIdx := 0
		maxProb := probs[0]
		for i, p := range probs {
			if p > maxProb {
				maxIdx = i
				maxProb = p
			}
		}

		if maxIdx != 0 && maxIdx != prevIdx && maxIdx < len(m.charset) {
			ch := m.charset[maxIdx]
			threshold := m.opts.MinScore
			if isPunctuation(ch) {
				threshold = m.opts.PunctMinScore
			}
			if maxProb >= threshold {
				charScores = append(charScores, CharScore{Char: ch, Score: maxProb})
			}
		}

		prevIdx = maxIdx
	}

	var confidence float32
	if len(charScores) > 0 {
		var sum float32
		for _, cs := range charScores {
			sum += cs.Score
		}
		confidence = sum / float32(len(charScores))
	}

	text := make([]rune, 0, len(charScores))
	for _, cs := range charScores {
		text = append(text, cs.Char)
	}

	return RecognitionResult{
		Text:       string(text),
		Confidence: confidence,
		CharScores: charScores,
	}, nil
}

// RunRaw 直接执行一次推理，返回原始输出张量
func (m *RecModel) RunRaw(input onnx.Tensor) (onnx.Tensor, error) {
	return m.runner.RunDynamic(input)
}

// Close 释放模型资源
func (m *RecModel) Close() error {
	return m.runner.Close()
}
