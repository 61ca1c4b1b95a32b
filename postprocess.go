package ocr

import (
	"image"
	"sort"
)

// Point 浮点坐标点
type Point struct {
	X float32
	Y float32
}

// TextBox 文本检测框
type TextBox struct {
	// Rect 轴对齐包围盒，Max 为排他边界
	Rect image.Rectangle
	// Score 置信度
	Score float32
	// Points 四个角点（可选，用于旋转框）
	Points []Point
}

// NewTextBox 创建文本框
func NewTextBox(rect image.Rectangle, score float32) TextBox {
	return TextBox{Rect: rect, Score: score}
}

// NewTextBoxWithPoints 创建带角点的文本框
func NewTextBoxWithPoints(rect image.Rectangle, score float32, points [4]Point) TextBox {
	return TextBox{Rect: rect, Score: score, Points: points[:]}
}

// Area 文本框面积
func (b TextBox) Area() int {
	return b.Rect.Dx() * b.Rect.Dy()
}

// Expand 向四周扩展 border 像素，并裁剪到 [0, maxWidth) x [0, maxHeight)。
// 结果保证宽高至少为 1。
func (b TextBox) Expand(border, maxWidth, maxHeight int) TextBox {
	x0 := max(b.Rect.Min.X-border, 0)
	y0 := max(b.Rect.Min.Y-border, 0)
	x1 := min(b.Rect.Max.X+border, maxWidth)
	y1 := min(b.Rect.Max.Y+border, maxHeight)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return TextBox{
		Rect:   image.Rect(x0, y0, x1, y1),
		Score:  b.Score,
		Points: b.Points,
	}
}

// component 二值掩码中的一个前景连通域
type component struct {
	minX, minY int
	maxX, maxY int // 包含边界
	pixels     int
}

// findComponents 提取掩码中的 8 连通前景区域
func findComponents(mask []uint8, width, height int) []component {
	if width <= 0 || height <= 0 || len(mask) < width*height {
		return nil
	}

	visited := make([]bool, width*height)
	var comps []component
	var stack []int

	for start := 0; start < width*height; start++ {
		if mask[start] == 0 || visited[start] {
			continue
		}

		comp := component{
			minX: start % width, minY: start / width,
			maxX: start % width, maxY: start / width,
		}
		visited[start] = true
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%width, idx/width

			comp.pixels++
			comp.minX = min(comp.minX, x)
			comp.minY = min(comp.minY, y)
			comp.maxX = max(comp.maxX, x)
			comp.maxY = max(comp.maxY, y)

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					nidx := ny*width + nx
					if mask[nidx] != 0 && !visited[nidx] {
						visited[nidx] = true
						stack = append(stack, nidx)
					}
				}
			}
		}

		comps = append(comps, comp)
	}

	return comps
}

// dropNestedComponents 去除完全落在其他连通域包围盒内的区域，
// 避免空心文字产生嵌套的重复检测框
func dropNestedComponents(comps []component) []component {
	kept := comps[:0]
	for i, c := range comps {
		rect := image.Rect(c.minX, c.minY, c.maxX+1, c.maxY+1)
		nested := false
		for j, other := range comps {
			if i == j {
				continue
			}
			outer := image.Rect(other.minX, other.minY, other.maxX+1, other.maxY+1)
			if rect.In(outer) && outer.Dx()*outer.Dy() > rect.Dx()*rect.Dy() {
				nested = true
				break
			}
		}
		if !nested {
			kept = append(kept, c)
		}
	}
	return kept
}

// ExtractBoxesWithUnclip 从二值分割掩码提取文本框并做 unclip 扩张。
//
// DB 算法输出的分割掩码通常比实际文本区域小，需要按
// distance = area * unclipRatio / perimeter 向外扩张。
// 掩码尺寸包含右侧与下方的 padding，validWidth/validHeight 为有效区域，
// 坐标最终按 original/valid 的比例映射回原图分辨率。
func ExtractBoxesWithUnclip(mask []uint8, maskWidth, maskHeight,
	validWidth, validHeight, originalWidth, originalHeight,
	minArea int, unclipRatio float32) []TextBox {
	if validWidth <= 0 || validHeight <= 0 {
		return nil
	}

	comps := findComponents(mask, maskWidth, maskHeight)
	comps = dropNestedComponents(comps)

	scaleX := float32(originalWidth) / float32(validWidth)
	scaleY := float32(originalHeight) / float32(validHeight)

	var boxes []TextBox
	for _, c := range comps {
		if c.pixels < 4 {
			continue
		}
		// 整体落在 padding 区域的轮廓直接丢弃
		if c.minX >= validWidth || c.minY >= validHeight {
			continue
		}

		minX := max(c.minX, 0)
		minY := max(c.minY, 0)
		maxX := min(c.maxX+1, validWidth)
		maxY := min(c.maxY+1, validHeight)

		boxWidth := maxX - minX
		boxHeight := maxY - minY
		if boxWidth*boxHeight < minArea {
			continue
		}

		area := float32(boxWidth) * float32(boxHeight)
		perimeter := 2 * float32(boxWidth+boxHeight)
		expandDist := area * unclipRatio / perimeter
		if expandDist < 1 {
			expandDist = 1
		}

		// 先在工作分辨率上扩张并裁剪到有效区域
		ex0 := max(float32(minX)-expandDist, 0)
		ey0 := max(float32(minY)-expandDist, 0)
		ex1 := min(float32(maxX)+expandDist, float32(validWidth))
		ey1 := min(float32(maxY)+expandDist, float32(validHeight))

		// 再映射回原图分辨率
		finalX := max(int(ex0*scaleX), 0)
		finalY := max(int(ey0*scaleY), 0)
		finalW := min(int((ex1-ex0)*scaleX), originalWidth-finalX)
		finalH := min(int((ey1-ey0)*scaleY), originalHeight-finalY)

		if finalW > 0 && finalH > 0 {
			rect := image.Rect(finalX, finalY, finalX+finalW, finalY+finalH)
			boxes = append(boxes, NewTextBox(rect, 1.0))
		}
	}

	return boxes
}

// ComputeIoU 计算两个矩形的交并比，不相交时为 0
func ComputeIoU(a, b image.Rectangle) float32 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}

	interArea := float32(inter.Dx()) * float32(inter.Dy())
	areaA := float32(a.Dx()) * float32(a.Dy())
	areaB := float32(b.Dx()) * float32(b.Dy())
	union := areaA + areaB - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// containmentRatio 计算 inner 落在 outer 内的面积占比
func containmentRatio(inner, outer image.Rectangle) float32 {
	inter := inner.Intersect(outer)
	if inter.Empty() {
		return 0
	}
	innerArea := float32(inner.Dx()) * float32(inner.Dy())
	if innerArea <= 0 {
		return 0
	}
	return float32(inter.Dx()) * float32(inter.Dy()) / innerArea
}

// NMS 非极大值抑制。
//
// 按（分数降序、面积降序）扫描，后续框满足任一条件即被抑制：
// IoU 超过阈值；超过 50% 面积落在保留框内；保留框超过 70% 面积落在其内。
func NMS(boxes []TextBox, iouThreshold float32) []TextBox {
	if len(boxes) == 0 {
		return nil
	}

	indices := make([]int, len(boxes))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		i, j := indices[a], indices[b]
		if boxes[i].Score != boxes[j].Score {
			return boxes[i].Score > boxes[j].Score
		}
		return boxes[i].Area() > boxes[j].Area()
	})

	suppressed := make([]bool, len(boxes))
	keep := make([]TextBox, 0, len(boxes))

	for pos, i := range indices {
		if suppressed[i] {
			continue
		}
		keep = append(keep, boxes[i])

		for _, j := range indices[pos+1:] {
			if suppressed[j] {
				continue
			}
			if ComputeIoU(boxes[i].Rect, boxes[j].Rect) > iouThreshold {
				suppressed[j] = true
				continue
			}
			if containmentRatio(boxes[j].Rect, boxes[i].Rect) > 0.5 {
				suppressed[j] = true
				continue
			}
			if containmentRatio(boxes[i].Rect, boxes[j].Rect) > 0.7 {
				suppressed[j] = true
				continue
			}
		}
	}

	return keep
}

// MergeAdjacentBoxes 反复合并垂直方向重叠且水平间距不超过阈值的相邻框，
// 直到没有可合并的框为止，合并后的分数取组内均值
func MergeAdjacentBoxes(boxes []TextBox, distanceThreshold int) []TextBox {
	if len(boxes) == 0 {
		return nil
	}

	used := make([]bool, len(boxes))
	var merged []TextBox

	for i := range boxes {
		if used[i] {
			continue
		}

		current := boxes[i].Rect
		groupScore := boxes[i].Score
		count := 1
		used[i] = true

		for {
			found := false
			for j := range boxes {
				if used[j] {
					continue
				}
				if canMerge(current, boxes[j].Rect, distanceThreshold) {
					current = current.Union(boxes[j].Rect)
					groupScore += boxes[j].Score
					count++
					used[j] = true
					found = true
				}
			}
			if !found {
				break
			}
		}

		merged = append(merged, NewTextBox(current, groupScore/float32(count)))
	}

	return merged
}

// canMerge 判断两个框是否垂直重叠且水平间距不超过阈值
func canMerge(a, b image.Rectangle, threshold int) bool {
	verticalOverlap := a.Min.Y < b.Max.Y && b.Min.Y < a.Max.Y

	horizontalDist := 0
	if a.Min.X > b.Max.X {
		horizontalDist = a.Min.X - b.Max.X
	} else if b.Min.X > a.Max.X {
		horizontalDist = b.Min.X - a.Max.X
	}

	return verticalOverlap && horizontalDist <= threshold
}

// SortBoxesByReadingOrder 按阅读顺序排序：先按行（top），同行按 left
func SortBoxesByReadingOrder(boxes []TextBox) {
	sort.SliceStable(boxes, func(i, j int) bool {
		if boxes[i].Rect.Min.Y != boxes[j].Rect.Min.Y {
			return boxes[i].Rect.Min.Y < boxes[j].Rect.Min.Y
		}
		return boxes[i].Rect.Min.X < boxes[j].Rect.Min.X
	})
}

// GroupBoxesByLine 将 top 坐标相近的框分到同一行，行内按 left 排序
func GroupBoxesByLine(boxes []TextBox, lineThreshold int) [][]TextBox {
	if len(boxes) == 0 {
		return nil
	}

	sorted := append([]TextBox(nil), boxes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rect.Min.Y < sorted[j].Rect.Min.Y
	})

	var lines [][]TextBox
	currentLine := []TextBox{sorted[0]}
	currentY := sorted[0].Rect.Min.Y

	for _, b := range sorted[1:] {
		if absInt(b.Rect.Min.Y-currentY) <= lineThreshold {
			currentLine = append(currentLine, b)
		} else {
			sortLineByLeft(currentLine)
			lines = append(lines, currentLine)
			currentLine = []TextBox{b}
			currentY = b.Rect.Min.Y
		}
	}

	sortLineByLeft(currentLine)
	lines = append(lines, currentLine)
	return lines
}

func sortLineByLeft(line []TextBox) {
	sort.SliceStable(line, func(i, j int) bool {
		return line[i].Rect.Min.X < line[j].Rect.Min.X
	})
}

// ScaledBoxes 一次检测的结果及其在原图坐标系中的偏移与缩放
type ScaledBoxes struct {
	Boxes   []TextBox
	OffsetX int
	OffsetY int
	Scale   float32
}

// MergeMultiScaleResults 将多次检测（分块或多尺度）的结果换算回原图坐标并做 NMS 去重
func MergeMultiScaleResults(results []ScaledBoxes, iouThreshold float32) []TextBox {
	var all []TextBox
	for _, r := range results {
		if r.Scale <= 0 {
			continue
		}
		for _, b := range r.Boxes {
			x := int(float32(b.Rect.Min.X)/r.Scale) + r.OffsetX
			y := int(float32(b.Rect.Min.Y)/r.Scale) + r.OffsetY
			w := int(float32(b.Rect.Dx()) / r.Scale)
			h := int(float32(b.Rect.Dy()) / r.Scale)
			all = append(all, NewTextBox(image.Rect(x, y, x+w, y+h), b.Score))
		}
	}
	return NMS(all, iouThreshold)
}

// OtsuThreshold 计算灰度图的大津阈值（最大化 256 阶直方图的类间方差）
func OtsuThreshold(img *image.Gray) uint8 {
	var histogram [256]uint32
	bounds := img.Bounds()
	total := float64(bounds.Dx() * bounds.Dy())
	if total == 0 {
		return 0
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[(y-bounds.Min.Y)*img.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			histogram[row[x]]++
		}
	}

	var sum float64
	for i, count := range histogram {
		sum += float64(i) * float64(count)
	}

	var sumB, weightB, maxVariance float64
	var threshold uint8

	for t, count := range histogram {
		weightB += float64(count)
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}

		sumB += float64(t) * float64(count)
		meanB := sumB / weightB
		meanF := (sum - sumB) / weightF

		variance := weightB * weightF * (meanB - meanF) * (meanB - meanF)
		if variance > maxVariance {
			maxVariance = variance
			threshold = uint8(t)
		}
	}

	return threshold
}

// DetectTextTraditional 传统算法文本检测，适用于纯色背景的文档图像。
// 大津二值化后提取连通域，按 expandRatio 扩张，再合并成文本行。
func DetectTextTraditional(gray *image.Gray, minArea int, expandRatio float32) []TextBox {
	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil
	}

	threshold := OtsuThreshold(gray)

	// 深色文字为前景，阈值本身计入前景。
	// 纯双峰图像的类间方差在两峰之间是平台，argmax 取到平台起点即暗色值，
	// 若用严格小于会把暗色像素全部排除
	binary := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < width; x++ {
			if row[x] <= threshold {
				binary[y*width+x] = 255
			}
		}
	}

	comps := findComponents(binary, width, height)

	var boxes []TextBox
	for _, c := range comps {
		if c.pixels < 4 {
			continue
		}

		boxWidth := c.maxX + 1 - c.minX
		boxHeight := c.maxY + 1 - c.minY
		if boxWidth*boxHeight < minArea {
			continue
		}

		expandW := int(float32(boxWidth) * expandRatio * 0.5)
		expandH := int(float32(boxHeight) * expandRatio * 0.5)

		x0 := max(c.minX-expandW, 0)
		y0 := max(c.minY-expandH, 0)
		x1 := min(c.maxX+1+expandW, width)
		y1 := min(c.maxY+1+expandH, height)

		if x1 > x0 && y1 > y0 {
			boxes = append(boxes, NewTextBox(image.Rect(x0, y0, x1, y1), 1.0))
		}
	}

	return mergeIntoTextLines(boxes, 10)
}

// mergeIntoTextLines 将独立的字符框拼接成文本行
func mergeIntoTextLines(boxes []TextBox, gapThreshold int) []TextBox {
	if len(boxes) == 0 {
		return nil
	}

	sorted := append([]TextBox(nil), boxes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rect.Min.Y < sorted[j].Rect.Min.Y
	})

	var lines []TextBox
	for _, b := range sorted {
		merged := false
		for i := range lines {
			lineCenterY := lines[i].Rect.Min.Y + lines[i].Rect.Dy()/2
			boxCenterY := b.Rect.Min.Y + b.Rect.Dy()/2

			if absInt(lineCenterY-boxCenterY) < lines[i].Rect.Dy()/2 {
				if absInt(b.Rect.Min.X-lines[i].Rect.Max.X) < gapThreshold*3 {
					lines[i].Rect = lines[i].Rect.Union(b.Rect)
					merged = true
					break
				}
			}
		}
		if !merged {
			lines = append(lines, b)
		}
	}

	return lines
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

