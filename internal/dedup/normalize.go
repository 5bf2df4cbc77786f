package dedup

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// genericWords 对区分商户没有帮助的通用词
var genericWords = map[string]bool{
	"hotel":      true,
	"hotels":     true,
	"resort":     true,
	"resorts":    true,
	"inn":        true,
	"suite":      true,
	"suites":     true,
	"motel":      true,
	"lodge":      true,
	"spa":        true,
	"hostel":     true,
	"apartments": true,
	"residence":  true,
	"bnb":        true,
}

// NormalizeName 规范化商户名称
//
// 小写、去掉非字母数字字符、合并空白，去掉开头的 "the" 和通用词；
// 至少保留一个词，避免 "The Inn" 之类的名称被清空。
func NormalizeName(name string) string {
	words := strings.Fields(clean(name))
	if len(words) > 1 && words[0] == "the" {
		words = words[1:]
	}

	kept := make([]string, 0, len(words))
	for _, w := range words {
		if !genericWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 && len(words) > 0 {
		kept = words[:1]
	}
	return strings.Join(kept, " ")
}

// NormalizeCity 规范化城市名
func NormalizeCity(city string) string {
	return strings.Join(strings.Fields(clean(city)), " ")
}

// Key 指纹 key：blake2b-256(normalizedName|normalizedCity) 的十六进制
func Key(normalizedName, normalizedCity string) string {
	sum := blake2b.Sum256([]byte(normalizedName + "|" + normalizedCity))
	return hex.EncodeToString(sum[:])
}

// clean 小写并把非字母数字字符替换为空格
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, strings.TrimSpace(s))
}
