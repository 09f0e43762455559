package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// domMetricsJS counts the rendered-page signals the classifier's final
// stage needs. Runs after the lifecycle wait so client-side frameworks
// have hydrated.
const domMetricsJS = `(() => {
	const text = document.body ? document.body.innerText : "";
	const links = document.querySelectorAll("a[href]").length;
	const jsonld = Array.from(document.querySelectorAll('script[type="application/ld+json"]'))
		.some(s => /"@type"\s*:\s*"(News)?Article"/.test(s.textContent || ""));
	return {
		article_tags: document.querySelectorAll("article").length,
		paragraphs: document.querySelectorAll("p").length,
		links: links,
		text_length: text.length,
		link_density: text.length > 0 ? links / (text.length / 1000.0) : links,
		has_jsonld_news: jsonld,
		has_article_time: document.querySelector("article time, time[datetime]") !== null,
	};
})()`

// Render loads one page in this session and returns its final HTML.
func (s *Session) Render(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	result := &Result{}

	tabCtx, cancelTab := chromedp.NewContext(s.ctx)
	defer cancelTab()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout+10*time.Second)
	defer cancelRun()

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			captureMainResponse(ctx, req.URL, &result.StatusCode)
			return nil
		}),
		network.Enable(),
		enableLifecycle(),
		s.navigateAndWait(req, timeout, result),
		chromedp.Location(&result.FinalURL),
		s.extractHTML(&result.HTML),
	}
	if req.CollectDOMMetrics {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			var metrics DOMMetrics
			if err := chromedp.Evaluate(domMetricsJS, &metrics).Do(ctx); err != nil {
				s.logger.Debug("DOM metrics evaluation failed",
					zap.Int("session_id", s.ID),
					zap.String("url", req.URL),
					zap.Error(err))
				return nil
			}
			result.DOMMetrics = &metrics
			return nil
		}))
	}
	tasks = append(tasks, page.Close())

	if err := chromedp.Run(runCtx, tasks); err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}

	if result.StatusCode == 0 {
		// Navigation committed without an observed network response, as
		// happens for about:blank style interstitials.
		result.StatusCode = 200
	}
	result.LoadTime = time.Since(start)
	return result, nil
}

// captureMainResponse records the status code of the main document
// response, following redirects to the final URL.
func captureMainResponse(ctx context.Context, url string, statusCode *int) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok {
			if e.Type == network.ResourceTypeDocument {
				*statusCode = int(e.Response.Status)
			}
		}
	})
}

func (s *Session) navigateAndWait(req *Request, timeout time.Duration, result *Result) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		frameID, loaderID, _, _, err := page.Navigate(req.URL).Do(ctx)
		if err != nil {
			return errors.Join(ErrNavigateFailed, err)
		}

		waitFor := req.WaitFor
		if waitFor == "" {
			waitFor = "networkAlmostIdle"
		}

		err = waitForLifecycleEvent(ctx, waitFor, string(frameID), string(loaderID), timeout)
		if errors.Is(err, ErrWaitTimeout) {
			// A slow page is still worth extracting; mark and continue.
			result.TimedOut = true
			s.logger.Debug("lifecycle wait timed out, extracting anyway",
				zap.Int("session_id", s.ID),
				zap.String("url", req.URL),
				zap.Duration("timeout", timeout))
			return nil
		}
		return err
	}
}

// waitForLifecycleEvent blocks until the named lifecycle event fires for
// the given frame and loader, or the timeout passes.
func waitForLifecycleEvent(ctx context.Context, eventName, frameID, loaderID string, timeout time.Duration) error {
	ch := make(chan struct{})

	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok {
			if string(e.FrameID) == frameID && string(e.LoaderID) == loaderID &&
				string(e.Name) == eventName {
				cancel()
				close(ch)
			}
		}
	})

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

// extractHTML reads the full document HTML with retries; right after a
// lifecycle event the DOM can briefly refuse GetDocument.
func (s *Session) extractHTML(output *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				lastErr = err
				time.Sleep(300 * time.Millisecond)
				continue
			}
			html, err := dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			if err != nil {
				lastErr = err
				time.Sleep(300 * time.Millisecond)
				continue
			}
			*output = html
			return nil
		}
		return fmt.Errorf("%w after 3 attempts: %v", ErrExtractHTML, lastErr)
	}
}

func enableLifecycle() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}
