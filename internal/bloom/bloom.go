package bloom

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// Filter 固定大小的布隆过滤器
//
// 不会漏报，可能误报；不支持删除，只能整体重建。
// Filter 本身不加锁，由持有它的 actor 串行调用。
type Filter struct {
	bits  []uint64
	m     uint64 // 位数
	k     uint64 // 哈希函数个数
	count uint64 // 插入次数
}

// New 创建 m 位、k 个哈希函数的过滤器
func New(m uint64, k int) *Filter {
	if m < 64 {
		m = 64
	}
	if k < 1 {
		k = 1
	}
	words := (m + 63) / 64
	return &Filter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    uint64(k),
	}
}

// FromBytes 用已持久化的位数组恢复过滤器
func FromBytes(data []byte, k int, count uint64) *Filter {
	words := len(data) / 8
	f := New(uint64(words)*64, k)
	for i := 0; i < words && i < len(f.bits); i++ {
		f.bits[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	f.count = count
	return f
}

// Add 插入 key
func (f *Filter) Add(key string) {
	h1, h2 := hashes(key)
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MightContain key 是否可能存在；返回 false 时一定不存在
func (f *Filter) MightContain(key string) bool {
	h1, h2 := hashes(key)
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Reset 清空所有位
func (f *Filter) Reset() {
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.count = 0
}

// Bytes 位数组的小端字节序列（用于持久化）
func (f *Filter) Bytes() []byte {
	out := make([]byte, len(f.bits)*8)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// Bits 位数
func (f *Filter) Bits() uint64 { return f.m }

// Hashes 哈希函数个数
func (f *Filter) Hashes() int { return int(f.k) }

// Count 自上次重置以来的插入次数
func (f *Filter) Count() uint64 { return f.count }

// FillRatio 已置位比例
func (f *Filter) FillRatio() float64 {
	var set int
	for _, w := range f.bits {
		set += bits.OnesCount64(w)
	}
	return float64(set) / float64(f.m)
}

// EstimatedFalsePositiveRate 按当前置位比例估算误报率 fill^k
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	return math.Pow(f.FillRatio(), float64(f.k))
}

// hashes 双重哈希：h1 取 xxhash，h2 取追加盐后的 xxhash（强制为奇数）
func hashes(key string) (uint64, uint64) {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	h1 := d.Sum64()

	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], h1)
	_, _ = d.Write(salt[:])
	h2 := d.Sum64() | 1
	return h1, h2
}
