package ocr

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/getcharzp/paddle-ocr/internal/onnx"
)

// NormalizeParams 图像归一化参数
type NormalizeParams struct {
	// Mean RGB 通道均值
	Mean [3]float32
	// Std RGB 通道标准差
	Std [3]float32
}

// ImageNetNormalize ImageNet 归一化参数
func ImageNetNormalize() NormalizeParams {
	return NormalizeParams{
		Mean: [3]float32{0.485, 0.456, 0.406},
		Std:  [3]float32{0.229, 0.224, 0.225},
	}
}

// PaddleDetNormalize 检测模型归一化参数
func PaddleDetNormalize() NormalizeParams {
	return ImageNetNormalize()
}

// PaddleRecNormalize 识别模型归一化参数
func PaddleRecNormalize() NormalizeParams {
	return NormalizeParams{
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.5, 0.5, 0.5},
	}
}

// PaddedSize 向上取整到 32 的倍数（检测模型的步长要求）
func PaddedSize(size int) int {
	return (size + 31) / 32 * 32
}

// ResizeToMaxSide 保持宽高比，将最长边缩放到 maxSideLen 以内
func ResizeToMaxSide(img image.Image, maxSideLen int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	maxDim := max(w, h)

	if maxDim <= maxSideLen {
		return img
	}

	scale := float64(maxSideLen) / float64(maxDim)
	newW := int(float64(w)*scale + 0.5)
	newH := int(float64(h)*scale + 0.5)
	return imaging.Resize(img, newW, newH, imaging.Lanczos)
}

// ResizeToHeight 保持宽高比，缩放到指定高度（识别模型输入）
func ResizeToHeight(img image.Image, targetHeight int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if h == targetHeight {
		return img
	}

	scale := float64(targetHeight) / float64(h)
	newW := int(float64(w)*scale + 0.5)
	if newW == 0 {
		newW = 1
	}
	return imaging.Resize(img, newW, targetHeight, imaging.Lanczos)
}

// PreprocessForDet 将图像转换为检测模型输入张量 [1, 3, H, W]。
// 高宽向上 padding 到 32 的倍数，padding 区域为 0。
func PreprocessForDet(img image.Image, params NormalizeParams) (onnx.Tensor, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return onnx.Tensor{}, fmt.Errorf("%w: 图像尺寸为空", ErrPreprocess)
	}

	padW := PaddedSize(w)
	padH := PaddedSize(h)

	data := make([]float32, 3*padH*padW)
	writeNormalized(data, imaging.Clone(img), 0, padH, padW, w, h, params)

	return onnx.Tensor{
		Shape: []int64{1, 3, int64(padH), int64(padW)},
		Data:  data,
	}, nil
}

// PreprocessForRec 将文本行图像转换为识别模型输入张量 [1, 3, H, W]。
// 高度固定为 targetHeight，宽度按比例缩放。
func PreprocessForRec(img image.Image, targetHeight int, params NormalizeParams) (onnx.Tensor, error) {
	if targetHeight <= 0 {
		return onnx.Tensor{}, fmt.Errorf("%w: 目标高度必须大于 0", ErrInvalidParameter)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return onnx.Tensor{}, fmt.Errorf("%w: 图像尺寸为空", ErrPreprocess)
	}

	resized := imaging.Clone(ResizeToHeight(img, targetHeight))
	w := resized.Bounds().Dx()

	data := make([]float32, 3*targetHeight*w)
	writeNormalized(data, resized, 0, targetHeight, w, w, targetHeight, params)

	return onnx.Tensor{
		Shape: []int64{1, 3, int64(targetHeight), int64(w)},
		Data:  data,
	}, nil
}

// PreprocessBatchForRec 批量预处理识别图像，所有图像右侧 padding 到批内最大宽度，
// 输出顺序与输入一致
func PreprocessBatchForRec(images []image.Image, targetHeight int, params NormalizeParams) (onnx.Tensor, error) {
	if targetHeight <= 0 {
		return onnx.Tensor{}, fmt.Errorf("%w: 目标高度必须大于 0", ErrInvalidParameter)
	}
	if len(images) == 0 {
		return onnx.Tensor{
			Shape: []int64{0, 3, int64(targetHeight), 0},
			Data:  nil,
		}, nil
	}

	resized := make([]*image.NRGBA, len(images))
	maxWidth := 0
	for i, img := range images {
		bounds := img.Bounds()
		if bounds.Dx() == 0 || bounds.Dy() == 0 {
			return onnx.Tensor{}, fmt.Errorf("%w: 第 %d 张图像尺寸为空", ErrPreprocess, i)
		}
		resized[i] = imaging.Clone(ResizeToHeight(img, targetHeight))
		maxWidth = max(maxWidth, resized[i].Bounds().Dx())
	}

	batchSize := len(images)
	data := make([]float32, batchSize*3*targetHeight*maxWidth)

	for i, img := range resized {
		w := img.Bounds().Dx()
		offset := i * 3 * targetHeight * maxWidth
		writeNormalized(data, img, offset, targetHeight, maxWidth, w, targetHeight, params)
	}

	return onnx.Tensor{
		Shape: []int64{int64(batchSize), 3, int64(targetHeight), int64(maxWidth)},
		Data:  data,
	}, nil
}

// writeNormalized 将 NRGBA 图像按 (channel/255 - mean) / std 写入 CHW 布局，
// canvasH/canvasW 为目标画布尺寸，w/h 为有效像素区域
func writeNormalized(data []float32, img *image.NRGBA, offset, canvasH, canvasW, w, h int, params NormalizeParams) {
	area := canvasH * canvasW
	for y := 0; y < h && y < canvasH; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w && x < canvasW; x++ {
			r := float32(row[x*4]) / 255.0
			g := float32(row[x*4+1]) / 255.0
			b := float32(row[x*4+2]) / 255.0

			data[offset+0*area+y*canvasW+x] = (r - params.Mean[0]) / params.Std[0]
			data[offset+1*area+y*canvasW+x] = (g - params.Mean[1]) / params.Std[1]
			data[offset+2*area+y*canvasW+x] = (b - params.Mean[2]) / params.Std[2]
		}
	}
}

// ThresholdMask 将浮点掩码按阈值二值化为 0/255
func ThresholdMask(mask []float32, threshold float32) []uint8 {
	binary := make([]uint8, len(mask))
	for i, v := range mask {
		if v > threshold {
			binary[i] = 255
		}
	}
	return binary
}

// CropImage 裁剪图像区域
func CropImage(img image.Image, rect image.Rectangle) image.Image {
	return imaging.Crop(img, rect)
}

// ImageBlock 分块检测的一个图像块及其在原图中的偏移
type ImageBlock struct {
	Image image.Image
	X     int
	Y     int
}

// SplitIntoBlocks 将大图分割为带重叠区域的块，用于分块检测
func SplitIntoBlocks(img image.Image, blockSize, overlap int) []ImageBlock {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if blockSize <= overlap {
		return []ImageBlock{{Image: img, X: 0, Y: 0}}
	}

	step := blockSize - overlap
	var blocks []ImageBlock

	for y := 0; y < height; y += step {
		for x := 0; x < width; x += step {
			blockW := min(blockSize, width-x)
			blockH := min(blockSize, height-y)

			rect := image.Rect(bounds.Min.X+x, bounds.Min.Y+y,
				bounds.Min.X+x+blockW, bounds.Min.Y+y+blockH)
			blocks = append(blocks, ImageBlock{Image: imaging.Crop(img, rect), X: x, Y: y})

			if x+blockSize >= width {
				break
			}
		}
		if y+blockSize >= height {
			break
		}
	}

	return blocks
}
