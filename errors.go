package ocr

import "errors"

// 错误分类，调用方可用 errors.Is 判断失败类别
var (
	// ErrModelLoad 模型加载失败
	ErrModelLoad = errors.New("模型加载失败")
	// ErrInvalidParameter 参数非法
	ErrInvalidParameter = errors.New("参数非法")
	// ErrPreprocess 预处理失败（图像无法解码或缩放）
	ErrPreprocess = errors.New("预处理失败")
	// ErrPostprocess 后处理失败（模型输出无法解析）
	ErrPostprocess = errors.New("后处理失败")
	// ErrCharset 字符集解析失败
	ErrCharset = errors.New("字符集解析失败")
	// ErrNotInitialized 请求的可选功能未初始化
	ErrNotInitialized = errors.New("引擎未初始化")
)
