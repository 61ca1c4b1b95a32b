package ocr

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
)

func TestDefaultRecOptions(t *testing.T) {
	opts := DefaultRecOptions()
	assert.Equal(t, 48, opts.TargetHeight)
	assert.Equal(t, float32(0.3), opts.MinScore)
	assert.Equal(t, float32(0.1), opts.PunctMinScore)
	assert.Equal(t, 8, opts.BatchSize)
	assert.True(t, opts.EnableBatch)
}

func TestRecOptionsChaining(t *testing.T) {
	opts := DefaultRecOptions().
		WithTargetHeight(32).
		WithMinScore(0.6).
		WithPunctMinScore(0.2).
		WithBatchSize(16).
		WithBatch(false)

	assert.Equal(t, 32, opts.TargetHeight)
	assert.Equal(t, float32(0.6), opts.MinScore)
	assert.Equal(t, float32(0.2), opts.PunctMinScore)
	assert.Equal(t, 16, opts.BatchSize)
	assert.False(t, opts.EnableBatch)
}

func TestIsPunctuation(t *testing.T) {
	for _, ch := range ",.!?;:\"'()[]{}" {
		assert.True(t, isPunctuation(ch), "%q", ch)
	}
	for _, ch := range "，。！？；：、「」《》—…" {
		assert.True(t, isPunctuation(ch), "%q", ch)
	}
	for _, ch := range "Az0中文 " {
		assert.False(t, isPunctuation(ch), "%q", ch)
	}
}

func TestRecognitionResultIsValid(t *testing.T) {
	r := RecognitionResult{Text: "hello", Confidence: 0.8}
	assert.True(t, r.IsValid(0.5))
	assert.False(t, r.IsValid(0.9))
	assert.False(t, RecognitionResult{Confidence: 0.9}.IsValid(0.5))
}

// testCharset blank + abc + padding
func testCharset() []rune {
	return []rune{' ', 'a', 'b', 'c', ' '}
}

// ctcOutput 构造 [1, len(steps), numClasses] 张量，
// 每个时间步在指定索引处放置给定分数
func ctcOutput(numClasses int, steps []int, scores []float32) onnx.Tensor {
	data := make([]float32, len(steps)*numClasses)
	for t, idx := range steps {
		data[t*numClasses+idx] = scores[t]
	}
	return onnx.Tensor{
		Shape: []int64{1, int64(len(steps)), int64(numClasses)},
		Data:  data,
	}
}

func TestDecodeOutputCollapsesRepeats(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	// a a b blank b -> "abb"
	out := ctcOutput(5, []int{1, 1, 2, 0, 2}, []float32{0.9, 0.9, 0.8, 0.9, 0.7})
	result, err := model.decodeOutput(out)
	require.NoError(t, err)

	assert.Equal(t, "abb", result.Text)
	require.Len(t, result.CharScores, 3)
	assert.InDelta(t, (0.9+0.8+0.7)/3, float64(result.Confidence), 1e-6)
}

func TestDecodeOutputSkipsBlank(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	out := ctcOutput(5, []int{0, 1, 0, 1, 0}, []float32{0.9, 0.9, 0.9, 0.9, 0.9})
	result, err := model.decodeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "aa", result.Text)
}

func TestDecodeOutputFiltersLowScore(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	// 第二个字符低于 MinScore，应被过滤但不影响其他字符
	out := ctcOutput(5, []int{1, 0, 2}, []float32{0.9, 0.9, 0.2})
	result, err := model.decodeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "a", result.Text)
	assert.InDelta(t, 0.9, float64(result.Confidence), 1e-6)
}

func TestDecodeOutputPunctuationThreshold(t *testing.T) {
	charset := []rune{' ', 'a', ',', ' '}
	model := newRecModelWithRunner(&stubRunner{}, charset, DefaultRecOptions())

	// 逗号 0.15 超过标点阈值 0.1，低于普通阈值 0.3，仍应保留
	out := ctcOutput(4, []int{1, 0, 2}, []float32{0.9, 0.9, 0.15})
	result, err := model.decodeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "a,", result.Text)
}

func TestDecodeOutputEmpty(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	out := ctcOutput(5, []int{0, 0, 0}, []float32{0.9, 0.9, 0.9})
	result, err := model.decodeOutput(out)
	require.NoError(t, err)

	assert.Empty(t, result.Text)
	assert.Equal(t, float32(0), result.Confidence)
}

func TestDecodeOutputBadShape(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	_, err := model.decodeOutput(onnx.Tensor{Shape: []int64{8}, Data: make([]float32, 8)})
	assert.ErrorIs(t, err, ErrPostprocess)
}

func TestDecodeOutputZeroClasses(t *testing.T) {
	// 最后一维为 0 时不可按步取最大值，应报后处理错误而非越界
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	_, err := model.decodeOutput(onnx.Tensor{Shape: []int64{1, 5, 0}})
	assert.ErrorIs(t, err, ErrPostprocess)
}

func TestDecodeOutputIgnoresOutOfRangeIndex(t *testing.T) {
	// 类别数超过字符表长度时，越界索引不应 panic
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	out := ctcOutput(8, []int{7, 1}, []float32{0.9, 0.9})
	result, err := model.decodeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "a", result.Text)
}

func TestRecognizeViaRunner(t *testing.T) {
	runner := &stubRunner{out: ctcOutput(5, []int{1, 2, 3}, []float32{0.9, 0.8, 0.7})}
	model := newRecModelWithRunner(runner, testCharset(), DefaultRecOptions())

	result, err := model.Recognize(solidImage(96, 48, color.White))
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Text)
}

func TestRecognizeBatchEmpty(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	results, err := model.RecognizeBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecognizeBatchSmallGoesSequential(t *testing.T) {
	runner := &stubRunner{out: ctcOutput(5, []int{1}, []float32{0.9})}
	model := newRecModelWithRunner(runner, testCharset(), DefaultRecOptions())

	images := []image.Image{
		solidImage(96, 48, color.White),
		solidImage(96, 48, color.White),
	}
	results, err := model.RecognizeBatch(images)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// 两张图逐张推理
	assert.Equal(t, 2, runner.calls)
	for _, in := range runner.inputs {
		assert.Equal(t, int64(1), in.Shape[0])
	}
}

func TestRecognizeBatchChunks(t *testing.T) {
	// 5 张图，批大小 3：一批 3 张，剩余一批 2 张但 chunk 内仍走批量路径
	runner := &stubRunner{fn: func(input onnx.Tensor) (onnx.Tensor, error) {
		batch := int(input.Shape[0])
		numClasses := 5
		data := make([]float32, batch*2*numClasses)
		for i := 0; i < batch; i++ {
			data[i*2*numClasses+1] = 0.9 // 每个样本第一步输出 'a'
		}
		return onnx.Tensor{Shape: []int64{int64(batch), 2, int64(numClasses)}, Data: data}, nil
	}}
	model := newRecModelWithRunner(runner, testCharset(),
		DefaultRecOptions().WithBatchSize(3))

	images := make([]image.Image, 5)
	for i := range images {
		images[i] = solidImage(96, 48, color.White)
	}

	results, err := model.RecognizeBatch(images)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, "a", r.Text)
	}
	assert.Equal(t, 2, runner.calls)
	assert.Equal(t, int64(3), runner.inputs[0].Shape[0])
	assert.Equal(t, int64(2), runner.inputs[1].Shape[0])
}

func TestRecognizeBatchMatchesSequential(t *testing.T) {
	// 批量与逐张识别的结果必须一致
	fn := func(input onnx.Tensor) (onnx.Tensor, error) {
		batch := int(input.Shape[0])
		numClasses := 5
		data := make([]float32, batch*3*numClasses)
		for i := 0; i < batch; i++ {
			base := i * 3 * numClasses
			data[base+1] = 0.9               // a
			data[base+numClasses+2] = 0.8    // b
			data[base+2*numClasses+3] = 0.85 // c
		}
		return onnx.Tensor{Shape: []int64{int64(batch), 3, int64(numClasses)}, Data: data}, nil
	}

	batched := newRecModelWithRunner(&stubRunner{fn: fn}, testCharset(), DefaultRecOptions())
	sequential := newRecModelWithRunner(&stubRunner{fn: fn}, testCharset(),
		DefaultRecOptions().WithBatch(false))

	images := make([]image.Image, 6)
	for i := range images {
		images[i] = solidImage(96, 48, color.White)
	}

	batchResults, err := batched.RecognizeBatch(images)
	require.NoError(t, err)
	seqResults, err := sequential.RecognizeBatch(images)
	require.NoError(t, err)

	assert.Equal(t, seqResults, batchResults)
}

func TestRecModelAccessors(t *testing.T) {
	model := newRecModelWithRunner(&stubRunner{}, testCharset(), DefaultRecOptions())

	assert.Equal(t, 5, model.CharsetSize())
	assert.Equal(t, testCharset(), model.Charset())

	ch, ok := model.GetChar(1)
	assert.True(t, ok)
	assert.Equal(t, 'a', ch)

	_, ok = model.GetChar(99)
	assert.False(t, ok)
}
