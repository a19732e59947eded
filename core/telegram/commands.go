package telegram

import (
	"context"
	"log/slog"

	"github.com/m3rciful/marketbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// BotCommands lists the entries shown in Telegram's command menu. Every
// command is plain text to the dispatcher, which routes it by keyword.
func BotCommands() []tele.Command {
	return []tele.Command{
		{Text: "start", Description: "Bắt đầu"},
		{Text: "menu", Description: "Mở menu chính"},
		{Text: "help", Description: "Hướng dẫn sử dụng"},
		{Text: "end", Description: "Kết thúc trò chuyện với admin"},
	}
}

// InitBotCommands publishes BotCommands to Telegram.
func InitBotCommands(ctx context.Context, bot *tele.Bot) {
	if err := bot.SetCommands(BotCommands()); err != nil {
		logger.Warn(ctx, "tg", "commands.set", slog.String("status", "fail"), logger.Err(err))
	}
}
