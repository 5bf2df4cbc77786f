package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

const maxFilenameLen = 200

// reservedChars 文件名中需要替换的字符，Windows 限制最多
func reservedChars() string {
	if runtime.GOOS == "windows" {
		return `<>:"|?*\/`
	}
	return "/"
}

// stateFilename 把状态 key 映射为 <key>.json
//
// 只取最后一段路径，保留字符替换为下划线，控制字符删除。
func stateFilename(key string) string {
	reserved := reservedChars()
	name := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(reserved, r):
			return '_'
		}
		return r
	}, filepath.Base(key))

	name = strings.Trim(name, " .")
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	if name == "" {
		name = "unnamed"
	}
	return name + ".json"
}

// resolveBase 校验并返回绝对、清理过的根目录
func resolveBase(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
