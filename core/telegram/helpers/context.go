// Package helpers carries per-update logging context through telebot handlers.
package helpers

import (
	"context"
	"strconv"

	"github.com/m3rciful/marketbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// storeKey is where the update's context lives in tele.Context.
const storeKey = "marketbot.ctx"

// UpdateID is the Telegram update number as a string. Updates are numbered
// per bot, so it identifies redeliveries.
func UpdateID(c tele.Context) string {
	return strconv.Itoa(c.Update().ID)
}

// SenderID is the sender's user id, or "" for channel posts and the like.
func SenderID(c tele.Context) string {
	if user := c.Sender(); user != nil {
		return strconv.FormatInt(user.ID, 10)
	}
	return ""
}

// BuildContext returns the logging context for the update behind c, creating
// and caching it on first use.
func BuildContext(c tele.Context) context.Context {
	if ctx, ok := c.Get(storeKey).(context.Context); ok {
		return ctx
	}
	updateID, userID := UpdateID(c), SenderID(c)
	ctx := logger.WithRID(context.Background(), logger.BuildRID("tg", updateID, userID))
	ctx = logger.WithEventMeta(ctx, updateID, userID)
	ctx = logger.WithLogger(ctx, logger.TG)
	c.Set(storeKey, ctx)
	return ctx
}

// WithHandler tags the cached context with the handler serving the update.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := logger.WithHandler(BuildContext(c), handler)
	c.Set(storeKey, ctx)
	return ctx
}
