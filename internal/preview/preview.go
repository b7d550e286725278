// Package preview captures a title and screenshot of a page with
// headless Chrome. The whole package is optional at runtime; callers
// check Available before scheduling a capture.
package preview

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrChromeMissing is returned when no chromium binary is on PATH.
var ErrChromeMissing = fmt.Errorf("preview: chromium not installed")

// Capture is the result of loading a page.
type Capture struct {
	Title      string
	Screenshot []byte
}

// Service drives headless Chrome. Zero-value usable; each capture runs
// its own browser process.
type Service struct {
	timeout time.Duration
}

func NewService() *Service {
	return &Service{timeout: 30 * time.Second}
}

// Available reports whether a chromium binary is installed.
func (s *Service) Available() bool {
	if _, err := exec.LookPath("chromium-browser"); err == nil {
		return true
	}
	_, err := exec.LookPath("chromium")
	return err == nil
}

// Capture loads the URL, reads the document title, and screenshots the
// viewport.
func (s *Service) Capture(ctx context.Context, url string) (*Capture, error) {
	if !s.Available() {
		return nil, ErrChromeMissing
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Chrome options for headless mode in container
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var result Capture
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Title(&result.Title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			result.Screenshot, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome capture failed: %w", err)
	}

	return &result, nil
}
