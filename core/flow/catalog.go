package flow

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/textnorm"
)

type choice struct {
	Code  string
	Label string
}

// CategoryAll matches every category in a search.
const CategoryAll = "all"

var categories = []choice{
	{"xe", "🛵 Xe cộ"},
	{"dienthoai", "📱 Điện thoại"},
	{"nhadat", "🏠 Nhà đất"},
	{"thoitrang", "👕 Thời trang"},
	{"giadung", "🛋 Đồ gia dụng"},
	{"khac", "📦 Khác"},
}

var locations = []choice{
	{"hn", "Hà Nội"},
	{"hcm", "TP. Hồ Chí Minh"},
	{"dn", "Đà Nẵng"},
	{"hp", "Hải Phòng"},
	{"ct", "Cần Thơ"},
	{"khac", "Tỉnh khác"},
}

// Plan is a paid access package.
type Plan struct {
	Code   string
	Label  string
	Days   int
	Amount int64
}

var plans = []Plan{
	{Code: "week", Label: "Gói tuần", Days: 7, Amount: 49000},
	{Code: "month", Label: "Gói tháng", Days: 30, Amount: 149000},
	{Code: "quarter", Label: "Gói quý", Days: 90, Amount: 399000},
}

func lookup(list []choice, code string) (choice, bool) {
	for _, c := range list {
		if c.Code == code {
			return c, true
		}
	}
	return choice{}, false
}

func label(list []choice, code string) string {
	if c, ok := lookup(list, code); ok {
		return c.Label
	}
	return code
}

func planByCode(code string) (Plan, bool) {
	for _, p := range plans {
		if p.Code == code {
			return p, true
		}
	}
	return Plan{}, false
}

func choiceOptions(action string, list []choice, extra ...gateway.Option) []gateway.Option {
	opts := make([]gateway.Option, 0, len(list)+len(extra))
	for _, c := range list {
		opts = append(opts, gateway.Opt(c.Label, action, c.Code))
	}
	return append(opts, extra...)
}

var phonePattern = regexp.MustCompile(`^(?:0|\+84)(\d{9})$`)

// NormalizePhone accepts 0xxxxxxxxx or +84xxxxxxxxx, ignoring spaces, dots
// and dashes, and returns the 0-prefixed form.
func NormalizePhone(raw string) (string, bool) {
	cleaned := strings.NewReplacer(" ", "", ".", "", "-", "").Replace(strings.TrimSpace(raw))
	m := phonePattern.FindStringSubmatch(cleaned)
	if m == nil {
		return "", false
	}
	return "0" + m[1], true
}

// MaxPrice caps listing prices at 100 billion dong.
const MaxPrice = int64(100_000_000_000)

var errPrice = errors.New("invalid price")

// ParsePrice reads prices such as "1.500.000", "1,500,000", "250k",
// "1.5tr" or "2 triệu". Without a suffix dots and commas group thousands;
// with one they mark decimals.
func ParsePrice(raw string) (int64, error) {
	s := strings.ReplaceAll(textnorm.Plain(raw), " ", "")
	for _, unit := range []string{"vnd", "dong", "d"} {
		if rest, ok := strings.CutSuffix(s, unit); ok && rest != "" {
			s = rest
			break
		}
	}

	mult := int64(1)
	for _, suf := range []struct {
		text string
		mult int64
	}{
		{"trieu", 1_000_000},
		{"tr", 1_000_000},
		{"nghin", 1_000},
		{"ngan", 1_000},
		{"k", 1_000},
	} {
		if rest, ok := strings.CutSuffix(s, suf.text); ok {
			s, mult = rest, suf.mult
			break
		}
	}
	if s == "" {
		return 0, errPrice
	}

	var v int64
	if mult == 1 {
		digits := strings.NewReplacer(".", "", ",", "").Replace(s)
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil || !allDigits(digits) {
			return 0, errPrice
		}
		v = n
	} else {
		whole, frac, _ := strings.Cut(strings.ReplaceAll(s, ",", "."), ".")
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || !allDigits(whole) || n > MaxPrice/mult {
			return 0, errPrice
		}
		v = n * mult
		if frac != "" {
			f, err := strconv.ParseInt(frac, 10, 64)
			if err != nil || !allDigits(frac) || len(frac) > 6 {
				return 0, errPrice
			}
			scale := int64(1)
			for range len(frac) {
				scale *= 10
			}
			v += f * mult / scale
		}
	}
	if v <= 0 || v > MaxPrice {
		return 0, errPrice
	}
	return v, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// lengthBetween checks the trimmed rune length of in.
func lengthBetween(in string, min, max int) bool {
	n := textnorm.RuneLen(in)
	return n >= min && n <= max
}
