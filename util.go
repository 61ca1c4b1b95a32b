package ocr

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"runtime"

	"github.com/up-zero/gotool/imageutil"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	// linux darwin ext
	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so" // 默认返回 linux amd64
	}

	// 拼接完整路径: ./lib/onnxruntime + _ + amd64/arm64 + . + so/dylib
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}

// OpenImage 打开图像文件，支持 png/jpeg/gif/bmp/tiff/webp
func OpenImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开图像文件失败: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("解码图像失败: %w", err)
	}
	return img, nil
}

// DrawBoxes 在图像副本上绘制文本框，用于调试检测结果
func DrawBoxes(img image.Image, boxes []TextBox) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, img.Bounds(), img, img.Bounds().Min, draw.Src)

	for _, box := range boxes {
		imageutil.DrawThickRectOutline(dst, box.Rect.Add(img.Bounds().Min), color.RGBA{R: 255, A: 255}, 2)
	}
	return dst
}

// SaveImage 将图像保存为文件，质量参数仅对 jpeg 生效
func SaveImage(path string, img image.Image, quality int) error {
	return imageutil.Save(path, img, quality)
}
