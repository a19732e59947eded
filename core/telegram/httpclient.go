package telegram

import (
	"net/http"
	"time"

	"github.com/m3rciful/marketbot/core/netutil"
)

// BuildHTTPClient returns an HTTP client tuned for Telegram API calls. Long
// polling holds requests open, so the response header timeout stays generous.
func BuildHTTPClient() *http.Client {
	return netutil.NewClient(netutil.ClientOptions{
		ResponseTimeout: 75 * time.Second,
		ClientTimeout:   90 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    2 * time.Second,
	})
}
