// Package decimal 定点十进制计算（资金/保证金运算禁止浮点）
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal 高精度十进制数，内部为最小单位整数加小数位数
type Decimal struct {
	value *big.Int
	scale int
}

// Zero 零值
var Zero = &Decimal{value: big.NewInt(0), scale: 0}

// One 常量 1
var One = &Decimal{value: big.NewInt(1), scale: 0}

// New 从字符串创建
func New(s string) (*Decimal, error) {
	if s == "" {
		return Zero, nil
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	if s == "" || strings.Count(s, ".") > 1 {
		return nil, fmt.Errorf("invalid decimal: %q", s)
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}

	value := new(big.Int)
	if _, ok := value.SetString(intPart+fracPart, 10); !ok {
		return nil, fmt.Errorf("invalid decimal: %q", s)
	}
	if negative {
		value.Neg(value)
	}

	return &Decimal{value: value, scale: len(fracPart)}, nil
}

// MustNew 从字符串创建，解析失败 panic
func MustNew(s string) *Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt 从整数创建
func FromInt(v int64) *Decimal {
	return &Decimal{value: big.NewInt(v), scale: 0}
}

// FromUnits 从最小单位整数创建（如 scale=2 时 285000 表示 2850.00）
func FromUnits(v int64, scale int) *Decimal {
	return &Decimal{value: big.NewInt(v), scale: scale}
}

// String 规范字符串形式，去除尾部零
func (d *Decimal) String() string {
	if d == nil || d.value == nil {
		return "0"
	}

	s := d.value.String()
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	if d.scale > 0 {
		for len(s) <= d.scale {
			s = "0" + s
		}
		pos := len(s) - d.scale
		s = s[:pos] + "." + s[pos:]
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}

	if negative {
		return "-" + s
	}
	return s
}

// Cmp 比较：-1 (d < other), 0, 1
func (d *Decimal) Cmp(other *Decimal) int {
	a, b := d.align(other)
	return a.value.Cmp(b.value)
}

// Add 加法
func (d *Decimal) Add(other *Decimal) *Decimal {
	a, b := d.align(other)
	return &Decimal{value: new(big.Int).Add(a.value, b.value), scale: a.scale}
}

// Sub 减法
func (d *Decimal) Sub(other *Decimal) *Decimal {
	a, b := d.align(other)
	return &Decimal{value: new(big.Int).Sub(a.value, b.value), scale: a.scale}
}

// Mul 乘法（精度相加，无损）
func (d *Decimal) Mul(other *Decimal) *Decimal {
	return &Decimal{
		value: new(big.Int).Mul(d.value, other.value),
		scale: d.scale + other.scale,
	}
}

// Div 除法，结果截断到 scale 位。除零返回 0，由调用方处理业务含义
func (d *Decimal) Div(other *Decimal, scale int) *Decimal {
	if other.value.Sign() == 0 {
		return &Decimal{value: big.NewInt(0), scale: scale}
	}

	dividend := new(big.Int).Set(d.value)
	diff := scale + other.scale - d.scale
	if diff > 0 {
		dividend.Mul(dividend, pow10(diff))
	} else if diff < 0 {
		dividend.Quo(dividend, pow10(-diff))
	}

	return &Decimal{value: dividend.Quo(dividend, other.value), scale: scale}
}

// Neg 取负
func (d *Decimal) Neg() *Decimal {
	return &Decimal{value: new(big.Int).Neg(d.value), scale: d.scale}
}

// Abs 绝对值
func (d *Decimal) Abs() *Decimal {
	return &Decimal{value: new(big.Int).Abs(d.value), scale: d.scale}
}

// Sign 符号：-1/0/1
func (d *Decimal) Sign() int {
	return d.value.Sign()
}

// IsZero 是否为零
func (d *Decimal) IsZero() bool {
	return d.value.Sign() == 0
}

// IsPositive 是否为正
func (d *Decimal) IsPositive() bool {
	return d.value.Sign() > 0
}

// IsNegative 是否为负
func (d *Decimal) IsNegative() bool {
	return d.value.Sign() < 0
}

// Clamp 收敛到 [lo, hi]
func (d *Decimal) Clamp(lo, hi *Decimal) *Decimal {
	if d.Cmp(lo) < 0 {
		return lo
	}
	if d.Cmp(hi) > 0 {
		return hi
	}
	return d
}

// Truncate 截断到指定精度（向零）
func (d *Decimal) Truncate(scale int) *Decimal {
	if scale >= d.scale {
		return d
	}
	return &Decimal{
		value: new(big.Int).Quo(d.value, pow10(d.scale-scale)),
		scale: scale,
	}
}

// Units 转为指定精度的最小单位整数（向零截断）
func (d *Decimal) Units(scale int) int64 {
	return d.rescale(scale).value.Int64()
}

// CeilUnits 转为最小单位整数，正数向上取整（冻结额度等不可少算的场景）
func (d *Decimal) CeilUnits(scale int) int64 {
	units := d.Units(scale)
	if d.IsPositive() && FromUnits(units, scale).Cmp(d) < 0 {
		units++
	}
	return units
}

// align 对齐两数精度
func (d *Decimal) align(other *Decimal) (*Decimal, *Decimal) {
	switch {
	case d.scale == other.scale:
		return d, other
	case d.scale > other.scale:
		return d, other.rescale(d.scale)
	default:
		return d.rescale(other.scale), other
	}
}

// rescale 变换精度，缩小精度时向零截断
func (d *Decimal) rescale(scale int) *Decimal {
	if scale == d.scale {
		return d
	}

	result := new(big.Int).Set(d.value)
	if diff := scale - d.scale; diff > 0 {
		result.Mul(result, pow10(diff))
	} else {
		result.Quo(result, pow10(-diff))
	}
	return &Decimal{value: result, scale: scale}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Min 返回较小值
func Min(a, b *Decimal) *Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max 返回较大值
func Max(a, b *Decimal) *Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
