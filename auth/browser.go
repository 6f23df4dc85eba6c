package auth

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pkg/browser"

	"github.com/naotama2002/spotify-auth-go/internal/logging"
)

// openURL is swapped out in tests.
var openURL = browser.OpenURL

const browserAttempts = 3

// OpenBrowser opens rawURL in the system browser, trying a few times.
func OpenBrowser(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("only http and https URLs are allowed")
	}

	var openErr error
	for i := 0; i < browserAttempts; i++ {
		if openErr = openURL(rawURL); openErr == nil {
			logging.Debug("Flow", "browser opened")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("failed to open browser: %w", openErr)
}
