package telegram

import (
	"github.com/m3rciful/marketbot/core/telegram/middleware"
)

// DefaultMiddlewares builds the shared middleware chain. Spam gating lives in
// the dispatcher, so only panic recovery and receipt logging run here.
func DefaultMiddlewares() []Middleware {
	return []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware},
		{Name: "logger", Use: middleware.LoggerMiddleware},
	}
}
