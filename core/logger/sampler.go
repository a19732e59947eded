package logger

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// ratio lets num out of every den events through. A zero ratio disables sampling.
type ratio struct {
	num uint64
	den uint64
}

// ratioSampler thins out high-volume debug events. It is shared by every
// goroutine that logs, so the hot path takes no lock.
type ratioSampler struct {
	cfg  atomic.Pointer[ratio]
	seen atomic.Uint64
}

func newRatioSampler(numerator, denominator int) *ratioSampler {
	s := &ratioSampler{}
	s.Set(numerator, denominator)
	return s
}

// Set swaps the ratio and restarts the window.
func (s *ratioSampler) Set(numerator, denominator int) {
	r := &ratio{}
	if numerator > 0 && denominator > 0 {
		r.num = uint64(min(numerator, denominator))
		r.den = uint64(denominator)
	}
	s.cfg.Store(r)
	s.seen.Store(0)
}

// Allow reports whether the next event passes. The first num events of each
// window of den pass.
func (s *ratioSampler) Allow() bool {
	r := s.cfg.Load()
	if r == nil || r.den == 0 {
		return true
	}
	n := s.seen.Add(1) - 1
	return n%r.den < r.num
}

// parseRatioSpec accepts "n/d" or a bare "d" meaning 1/d. Anything else
// disables sampling.
func parseRatioSpec(spec string) (int, int) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0
	}
	if head, tail, ok := strings.Cut(spec, "/"); ok {
		num, err1 := strconv.Atoi(strings.TrimSpace(head))
		den, err2 := strconv.Atoi(strings.TrimSpace(tail))
		if err1 != nil || err2 != nil {
			return 0, 0
		}
		return num, den
	}
	den, err := strconv.Atoi(spec)
	if err != nil || den <= 0 {
		return 0, 0
	}
	return 1, den
}
