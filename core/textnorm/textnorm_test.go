package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "hủy", Fold("  HỦY "))
	assert.Equal(t, "nguyen van a", Fold("Nguyen   Van\tA"))
	// decomposed input (u + combining hook above) folds to the composed form
	assert.Equal(t, "hủy", Fold("hu\u0309y"))
}

func TestPlain(t *testing.T) {
	assert.Equal(t, "dang ky", Plain("Đăng ký"))
	assert.Equal(t, "tim kiem", Plain("TÌM KIẾM"))
	assert.Equal(t, "thanh toan", Plain("thanh toán"))
}

func TestEqualsAny(t *testing.T) {
	assert.True(t, EqualsAny("Thoát", "hủy", "thoát"))
	assert.True(t, EqualsAny("CANCEL", "cancel"))
	assert.False(t, EqualsAny("Huy", "hủy"))
	assert.False(t, EqualsAny("", "hủy"))
}

func TestRuneLen(t *testing.T) {
	assert.Equal(t, 1, RuneLen("A"))
	assert.Equal(t, 3, RuneLen(" Hủy "))
}
