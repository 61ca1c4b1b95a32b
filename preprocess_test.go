package ocr

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPaddedSize(t *testing.T) {
	cases := []struct{ in, want int }{
		{1, 32}, {31, 32}, {32, 32}, {33, 64}, {64, 64}, {100, 128}, {960, 960},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, PaddedSize(c.in), "PaddedSize(%d)", c.in)
	}
}

func TestNormalizeParams(t *testing.T) {
	det := PaddleDetNormalize()
	assert.InDelta(t, 0.485, det.Mean[0], 1e-6)
	assert.InDelta(t, 0.229, det.Std[0], 1e-6)

	rec := PaddleRecNormalize()
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, rec.Mean)
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, rec.Std)
}

func TestResizeToMaxSideNoResize(t *testing.T) {
	img := solidImage(100, 50, color.White)
	out := ResizeToMaxSide(img, 960)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())
}

func TestResizeToMaxSideShrinks(t *testing.T) {
	img := solidImage(1920, 960, color.White)
	out := ResizeToMaxSide(img, 960)
	assert.Equal(t, 960, out.Bounds().Dx())
	assert.Equal(t, 480, out.Bounds().Dy())
}

func TestResizeToHeight(t *testing.T) {
	img := solidImage(200, 100, color.White)
	out := ResizeToHeight(img, 48)
	assert.Equal(t, 48, out.Bounds().Dy())
	assert.Equal(t, 96, out.Bounds().Dx())
}

func TestResizeToHeightMinWidth(t *testing.T) {
	// 极端瘦高图像不应缩放出零宽度
	img := solidImage(1, 500, color.White)
	out := ResizeToHeight(img, 48)
	assert.GreaterOrEqual(t, out.Bounds().Dx(), 1)
	assert.Equal(t, 48, out.Bounds().Dy())
}

func TestPreprocessForDetShape(t *testing.T) {
	img := solidImage(100, 50, color.White)

	tensor, err := PreprocessForDet(img, PaddleDetNormalize())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 64, 128}, tensor.Shape)
	assert.Len(t, tensor.Data, 3*64*128)
}

func TestPreprocessForDetValues(t *testing.T) {
	img := solidImage(32, 32, color.White)
	params := PaddleDetNormalize()

	tensor, err := PreprocessForDet(img, params)
	require.NoError(t, err)

	// 白色像素按通道归一化
	assert.InDelta(t, (1.0-0.485)/0.229, tensor.Data[0], 1e-4)
	assert.InDelta(t, (1.0-0.456)/0.224, tensor.Data[32*32], 1e-4)
	assert.InDelta(t, (1.0-0.406)/0.225, tensor.Data[2*32*32], 1e-4)
}

func TestPreprocessForDetPaddingIsZero(t *testing.T) {
	// 40x40 padding 到 64x64，padding 区域保持为 0
	img := solidImage(40, 40, color.White)

	tensor, err := PreprocessForDet(img, PaddleDetNormalize())
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 64, 64}, tensor.Shape)

	assert.Equal(t, float32(0), tensor.Data[0*64*64+63*64+63])
	assert.Equal(t, float32(0), tensor.Data[10*64+50])
}

func TestPreprocessForDetEmptyImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	_, err := PreprocessForDet(img, PaddleDetNormalize())
	assert.ErrorIs(t, err, ErrPreprocess)
}

func TestPreprocessForRecShape(t *testing.T) {
	img := solidImage(200, 100, color.White)

	tensor, err := PreprocessForRec(img, 48, PaddleRecNormalize())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 48, 96}, tensor.Shape)
}

func TestPreprocessForRecInvalidHeight(t *testing.T) {
	img := solidImage(100, 50, color.White)
	_, err := PreprocessForRec(img, 0, PaddleRecNormalize())
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPreprocessBatchForRecEmpty(t *testing.T) {
	tensor, err := PreprocessBatchForRec(nil, 48, PaddleRecNormalize())
	require.NoError(t, err)
	assert.Equal(t, int64(0), tensor.Shape[0])
	assert.Empty(t, tensor.Data)
}

func TestPreprocessBatchForRecPadsToWidest(t *testing.T) {
	images := []image.Image{
		solidImage(100, 50, color.White), // 缩放后宽 96
		solidImage(50, 50, color.White),  // 缩放后宽 48
	}

	tensor, err := PreprocessBatchForRec(images, 48, PaddleRecNormalize())
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 48, 96}, tensor.Shape)

	// 第二张右侧 padding 区域为 0
	sample := 3 * 48 * 96
	assert.Equal(t, float32(0), tensor.Data[sample+0*48*96+0*96+95])
	assert.NotEqual(t, float32(0), tensor.Data[sample+0*48*96+0*96+0])
}

func TestPreprocessBatchForRecRejectsEmptyImage(t *testing.T) {
	images := []image.Image{
		solidImage(100, 50, color.White),
		image.NewNRGBA(image.Rect(0, 0, 0, 0)),
	}
	_, err := PreprocessBatchForRec(images, 48, PaddleRecNormalize())
	assert.ErrorIs(t, err, ErrPreprocess)
}

func TestThresholdMask(t *testing.T) {
	mask := ThresholdMask([]float32{0.1, 0.3, 0.31, 0.9}, 0.3)
	assert.Equal(t, []uint8{0, 0, 255, 255}, mask)
}

func TestSplitIntoBlocks(t *testing.T) {
	img := solidImage(100, 100, color.White)

	blocks := SplitIntoBlocks(img, 60, 10)
	require.Len(t, blocks, 4)

	assert.Equal(t, 0, blocks[0].X)
	assert.Equal(t, 0, blocks[0].Y)
	assert.Equal(t, 60, blocks[0].Image.Bounds().Dx())

	assert.Equal(t, 50, blocks[1].X)
	assert.Equal(t, 50, blocks[1].Image.Bounds().Dx())
}

func TestSplitIntoBlocksSingle(t *testing.T) {
	img := solidImage(50, 50, color.White)

	blocks := SplitIntoBlocks(img, 100, 10)
	require.Len(t, blocks, 1)
	assert.Equal(t, 50, blocks[0].Image.Bounds().Dx())
}

func TestCropImage(t *testing.T) {
	img := solidImage(100, 100, color.White)
	cropped := CropImage(img, image.Rect(10, 10, 60, 40))
	assert.Equal(t, 50, cropped.Bounds().Dx())
	assert.Equal(t, 30, cropped.Bounds().Dy())
}
