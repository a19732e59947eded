package resilience

import (
	"fmt"
	"strings"

	"github.com/m3rciful/marketbot/core/textnorm"
)

const unknownNotice = "Tính năng gợi ý đang tạm thời gián đoạn. Bạn vui lòng thử lại sau nhé."

func defaultSearch(req Request) Result {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		q = "sản phẩm"
	}
	return Result{
		Text: fmt.Sprintf("Chưa tìm được kết quả phù hợp cho \"%s\". Bạn có thể thử:", q),
		Items: []string{
			fmt.Sprintf("%s giá rẻ", q),
			fmt.Sprintf("%s cũ còn tốt", q),
			fmt.Sprintf("%s gần bạn", q),
			"Dùng từ khóa ngắn hơn hoặc chọn \"Tất cả danh mục\"",
		},
	}
}

type chatRule struct {
	keywords []string
	reply    string
}

// Matched against textnorm.Plain of the message, so keywords carry no diacritics.
var chatRules = []chatRule{
	{[]string{"gia ca", "bao nhieu", "mac qua", "tra gia"}, "Bạn có thể tham khảo giá các tin tương tự trong mục Tìm kiếm trước khi trả giá nhé."},
	{[]string{"ship", "giao hang", "van chuyen"}, "Nên thống nhất phí và hình thức giao hàng với người bán trước, ưu tiên kiểm tra hàng khi nhận."},
	{[]string{"lua dao", "chuyen khoan truoc", "dat coc"}, "Cẩn thận với yêu cầu chuyển khoản trước. Hãy gặp trực tiếp hoặc dùng hình thức giao hàng thu tiền."},
	{[]string{"bao hanh", "doi tra"}, "Hãy hỏi rõ chính sách bảo hành và đổi trả, tốt nhất là có xác nhận bằng tin nhắn."},
}

func defaultChat(req Request) Result {
	plain := textnorm.Plain(req.Text)
	for _, rule := range chatRules {
		for _, kw := range rule.keywords {
			if strings.Contains(plain, kw) {
				return Result{Text: rule.reply}
			}
		}
	}
	return Result{Text: "Cảm ơn bạn đã chia sẻ! Thành viên khác trong cộng đồng sẽ sớm phản hồi."}
}

func defaultDescription(req Request) Result {
	return Result{Text: strings.TrimSpace(req.Text)}
}

func defaultUnknown(Request) Result {
	return Result{Text: unknownNotice}
}
