package dispatch

// Fixed notices sent by the dispatcher.
const (
	MsgApology     = "Xin lỗi, phiên làm việc của bạn gặp lỗi và đã được đặt lại. Vui lòng bắt đầu lại."
	MsgSlowDown    = "⏳ Bạn đang gửi tin nhắn quá nhanh. Vui lòng thử lại sau ít phút."
	MsgExpired     = "⛔ Thời gian sử dụng của bạn đã hết. Vui lòng gia hạn để tiếp tục dùng dịch vụ."
	MsgReminder    = "⏰ Tài khoản của bạn sẽ hết hạn vào %s. Gia hạn ngay để không bị gián đoạn."
	MsgMenu        = "Bạn muốn làm gì tiếp theo?"
	MsgWelcome     = "👋 Chào bạn! Mình là trợ lý chợ mua bán. Chọn một chức năng bên dưới nhé."
	MsgHelp        = "ℹ️ Hướng dẫn:\n• Đăng tin: bán sản phẩm của bạn\n• Tìm kiếm: tìm sản phẩm theo từ khóa\n• Thanh toán: gia hạn tài khoản\n• Hỗ trợ: trò chuyện với quản trị viên\nGõ \"hủy\" bất cứ lúc nào để thoát thao tác đang làm."
	MsgNothingOpen = "Hiện không có thao tác nào đang diễn ra."
	MsgAdminPrefix = "Admin: "

	msgSupportQueued  = "🙋 Đã gửi yêu cầu hỗ trợ. Quản trị viên sẽ phản hồi sớm nhất có thể. Gõ \"kết thúc\" để đóng cuộc trò chuyện."
	msgSupportRequest = "🙋 Người dùng %s cần hỗ trợ."
	msgClaimed        = "👤 Quản trị viên đã tham gia cuộc trò chuyện."
	msgClaimedAdmin   = "Bạn đang trò chuyện với %s. Gõ \"kết thúc\" để đóng."
	msgClaimTaken     = "Yêu cầu của %s đã được quản trị viên khác nhận."
	msgClaimGone      = "Yêu cầu hỗ trợ của %s không còn mở."
	msgChatClosed     = "✅ Cuộc trò chuyện với quản trị viên đã kết thúc."
	msgChatClosedBy   = "✅ Đã đóng cuộc trò chuyện với %s."
	msgNoActiveChat   = "Bạn không có cuộc trò chuyện nào đang mở."
	msgFromUser       = "💬 %s: %s"
	msgApproved       = "✅ Thanh toán %s đã được duyệt. Tài khoản được gia hạn đến %s."
	msgApprovedAdmin  = "✅ Đã duyệt thanh toán %s cho %s."
	msgAlreadyPaid    = "Thanh toán %s đã được duyệt trước đó."
	msgNoPayment      = "Không tìm thấy thanh toán %s."
	msgNoListing      = "Tin đăng này không còn tồn tại."
	msgListing        = "📦 %s\n💰 %s\n📍 %s\n\n%s"
)
