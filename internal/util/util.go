package util

import (
	"fmt"
	"os"
	"unicode/utf8"
)

// ParseCharset 解析字符集数据：每行一个可显示字符，去掉行结束符。
// 索引 0 预留为 CTC blank，末尾追加 padding 占位符，
// 因此类别数等于解析后的字符集长度（含两个合成字符）。
func ParseCharset(data []byte) ([]rune, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("字符集不是合法的 UTF-8")
	}

	charset := make([]rune, 0, len(data)+2)
	charset = append(charset, ' ') // blank
	for _, ch := range string(data) {
		if ch != '\n' && ch != '\r' {
			charset = append(charset, ch)
		}
	}
	charset = append(charset, ' ') // padding

	if len(charset) < 3 {
		return nil, fmt.Errorf("字符集为空")
	}
	return charset, nil
}

// LoadCharset 从文件加载字符集
func LoadCharset(path string) ([]rune, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取字符集文件 %s: %w", path, err)
	}
	return ParseCharset(data)
}
