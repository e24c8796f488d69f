// Package fsutil 处理客户端提供的文件名以及上传目录中的文件落盘。
package fsutil

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const maxNameBytes = 255

var (
	// ErrInvalidFilename 表示文件名为空、过长或包含控制字符。
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrDirectoryTraversal 表示文件名试图跳出上传目录。
	ErrDirectoryTraversal = errors.New("filename contains directory traversal")
)

// SanitizeFilename 校验客户端提供的文件名，只接受单个路径分量。
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameBytes {
		return "", ErrInvalidFilename
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrDirectoryTraversal
	}
	for _, r := range name {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return "", ErrInvalidFilename
		}
	}
	return name, nil
}

// safeComponent 把任意字符串变成只含 [A-Za-z0-9._-] 的文件名片段。
func safeComponent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// PartialPath 返回 (client, filename) 的未完成文件路径，位于 dir/.partial 下。
// 文件名可读部分会丢失字符，末尾的哈希保证不同的 (client, filename) 不会落到同一个文件。
func PartialPath(dir, client, filename string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(client))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(filename))
	suffix := fmt.Sprintf(".%016x.part", h.Sum64())
	prefix := safeComponent(client) + "_" + safeComponent(filename)
	// 可读部分截短到整个文件名不超过 NAME_MAX，区分仍依赖哈希
	if limit := maxNameBytes - len(suffix); len(prefix) > limit {
		prefix = prefix[:limit]
	}
	return filepath.Join(dir, ".partial", prefix+suffix)
}

// ReserveUnique 在 dir 中独占创建一个以 name 为基础的新空文件并返回其路径；
// 同名文件已存在时依次尝试 "name (1).ext"、"name (2).ext" ……
// 调用方随后把完成的文件 rename 到该路径上。
func ReserveUnique(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %q in %s", name, dir)
}
