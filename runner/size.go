package runner

import (
	"errors"
	"fmt"
	"strconv"
)

// Size 存储对象的字节数，例如覆盖率 map 或内存。
// 最大大小受64位限制
type Size uint64

// String 实现 stringer 接口用于打印
func (s Size) String() string {
	t := uint64(s)
	switch {
	case t < 1<<10:
		return fmt.Sprintf("%d B", t)
	case t < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(t)/float64(1<<10))
	case t < 1<<30:
		return fmt.Sprintf("%.1f MiB", float64(t)/float64(1<<20))
	default:
		return fmt.Sprintf("%.1f GiB", float64(t)/float64(1<<30))
	}
}

// Set 从字符串解析大小值，例如 64k、8MiB、65536
func (s *Size) Set(str string) error {
	if len(str) > 2 && (str[len(str)-2] == 'i' || str[len(str)-2] == 'I') {
		switch str[len(str)-1] {
		case 'b', 'B':
			str = str[:len(str)-2]
		}
	}
	if str == "" {
		return errors.New("size: empty value")
	}
	switch str[len(str)-1] {
	case 'b', 'B':
		str = str[:len(str)-1]
	}
	if str == "" {
		return errors.New("size: missing number")
	}

	factor := 0
	switch str[len(str)-1] {
	case 'k', 'K':
		factor = 10
		str = str[:len(str)-1]
	case 'm', 'M':
		factor = 20
		str = str[:len(str)-1]
	case 'g', 'G':
		factor = 30
		str = str[:len(str)-1]
	}

	t, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	*s = Size(t << factor)
	return nil
}

// Type 实现 pflag.Value
func (s *Size) Type() string {
	return "size"
}

// UnmarshalText 让配置文件中可以写 64k 这样的值
func (s *Size) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}

// Byte 返回字节大小
func (s Size) Byte() uint64 {
	return uint64(s)
}

// KiB 返回 KiB 大小
func (s Size) KiB() uint64 {
	return uint64(s) >> 10
}

// MiB 返回 MiB 大小
func (s Size) MiB() uint64 {
	return uint64(s) >> 20
}

// GiB 返回 GiB 大小
func (s Size) GiB() uint64 {
	return uint64(s) >> 30
}
