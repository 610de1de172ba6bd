package service

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

const truncationMarker = "\n...(内容已截断)"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TextReader 读取剧集原文
type TextReader interface {
	ReadText(path string) (string, error)
}

// TextFileReader 依次尝试编码列表，取第一个能无错解码的结果，并按字符预算截断
type TextFileReader struct {
	Encodings []string
	Budget    int
}

func (r TextFileReader) ReadText(path string) (string, error) {
	text, err := ReadFirstDecodable(path, r.Encodings)
	if err != nil {
		return "", err
	}
	return Truncate(text, r.Budget), nil
}

// ReadFirstDecodable 返回第一个能完整解码文件内容的编码下的文本
func ReadFirstDecodable(path string, encodings []string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	var tried []string
	for _, name := range encodings {
		text, ok := decodeAs(raw, name)
		if ok {
			return text, nil
		}
		tried = append(tried, name)
	}
	return "", fmt.Errorf("%w: %s is not decodable as any of %s", ErrPrecondition, path, strings.Join(tried, ", "))
}

func decodeAs(raw []byte, name string) (string, bool) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "utf-8", "utf8":
		raw = bytes.TrimPrefix(raw, utf8BOM)
		if !utf8.Valid(raw) {
			return "", false
		}
		return string(raw), true
	case "gbk", "gb2312", "cp936":
		return decodeWith(simplifiedchinese.GBK, raw)
	case "gb18030":
		return decodeWith(simplifiedchinese.GB18030, raw)
	case "hz-gb-2312", "hz":
		return decodeWith(simplifiedchinese.HZGB2312, raw)
	case "big5":
		return decodeWith(traditionalchinese.Big5, raw)
	}
	return "", false
}

// x/text 的解码器遇到非法字节会写入 U+FFFD 而不是报错，因此出现替换字符即视为失败
func decodeWith(enc encoding.Encoding, raw []byte) (string, bool) {
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}

// Truncate 按字符数（而非字节）截断并追加截断标记
func Truncate(text string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(text) <= budget {
		return text
	}
	runes := []rune(text)
	return string(runes[:budget]) + truncationMarker
}
