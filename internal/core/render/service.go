// Package render is the deep validation tier: it loads a candidate URL in a
// sandboxed headless browser, extracts business-identity signals from the
// rendered page and folds them into a verdict. It is the most expensive tier
// and runs under its own concurrency ceiling, independent of the worker pool.
package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sitecheck/internal/config"
	"sitecheck/internal/core/business"
	"sitecheck/internal/logger"

	html2markdown "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
)

type Service struct {
	log      *logger.Logger
	cfg      config.Config
	sem      chan struct{}
	evidence *EvidenceStore
}

func New(cfg config.Config) (*Service, error) {
	slots := cfg.MaxConcurrentRenders
	if slots < 1 {
		slots = 1
	}
	s := &Service{log: logger.New("RenderService"), cfg: cfg, sem: make(chan struct{}, slots)}
	if cfg.CaptureEvidence {
		ev, err := NewEvidenceStore(cfg)
		if err != nil {
			return nil, err
		}
		s.evidence = ev
	}
	return s, nil
}

// Result carries everything a validation attempt needs to record.
type Result struct {
	URL           string
	Title         string
	Signals       Signals
	QualityScore  int
	Verdict       business.Verdict
	Reasoning     string
	ScreenshotURL string
}

// Validate renders the candidate URL and produces a verdict. A nil error with
// an invalid verdict is a settled negative; a non-nil error is a failure the
// caller may retry.
func (s *Service) Validate(ctx context.Context, cand *business.Candidate) (*Result, error) {
	url := cand.CandidateURL

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	pr := s.probe(url)
	if !pr.Reachable {
		return nil, fmt.Errorf("probe failed for %s: %s", url, pr.Err)
	}
	if pr.StatusCode >= 400 {
		// Hard HTTP error; not worth a browser launch.
		signals := Signals{StatusCode: pr.StatusCode}
		verdict, reasoning := verdictFor(signals, 0, s.cfg.QualityThreshold)
		s.log.LogInfof("probe rejected %s: http %d", url, pr.StatusCode)
		return &Result{URL: url, Title: pr.Title, Signals: signals, Verdict: verdict, Reasoning: reasoning}, nil
	}

	return s.render(ctx, cand)
}

func (s *Service) render(ctx context.Context, cand *business.Candidate) (*Result, error) {
	url := cand.CandidateURL
	start := time.Now()

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright run: %w", err)
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--disable-blink-features=AutomationControlled",
			"--no-first-run",
			"--disable-default-apps",
			"--disable-extensions",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("browser launch: %w", err)
	}
	defer browser.Close()

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:  &playwright.Size{Width: 1280, Height: 800},
		UserAgent: playwright.String("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"),
	})
	if err != nil {
		return nil, fmt.Errorf("browser context: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}

	timeout := float64(s.cfg.RenderTimeout.Milliseconds())
	resp, navErr := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(timeout),
	})
	if navErr != nil {
		if strings.Contains(navErr.Error(), "ERR_CERT") || strings.Contains(navErr.Error(), "SSL") {
			// Certificate failures are a settled technical rejection.
			signals := Signals{}
			verdict := business.Verdict{
				State:          business.VerdictInvalid,
				Confidence:     0.9,
				InvalidReason:  business.ReasonTechnicalError,
				Recommendation: business.RecommendTriggerDiscovery,
			}
			return &Result{URL: url, Signals: signals, Verdict: verdict, Reasoning: "certificate failure: " + navErr.Error()}, nil
		}
		return nil, fmt.Errorf("goto failed: %w", navErr)
	}

	// Give dynamic content a bounded chance to settle.
	page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(5000),
	})

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("page content: %w", err)
	}
	title, _ := page.Title()
	loadMs := int(time.Since(start).Milliseconds())

	status := 200
	if resp != nil {
		status = resp.Status()
	}

	text := visibleText(content)
	signals := Signals{
		StatusCode:  status,
		WordCount:   wordCount(content),
		PhoneMatch:  ContainsPhone(text, cand.Phone),
		NameMatch:   ContainsName(text, cand.Name) || ContainsName(title, cand.Name),
		Placeholder: IsPlaceholder(text) || IsPlaceholder(title),
		LoadTimeMs:  loadMs,
	}
	score := signals.QualityScore()
	verdict, reasoning := verdictFor(signals, score, s.cfg.QualityThreshold)

	res := &Result{
		URL:          url,
		Title:        title,
		Signals:      signals,
		QualityScore: score,
		Verdict:      verdict,
		Reasoning:    reasoning,
	}

	if s.evidence != nil {
		if buf, shotErr := page.Screenshot(playwright.PageScreenshotOptions{
			Timeout: playwright.Float(10000),
		}); shotErr != nil {
			s.log.LogWarnf("evidence screenshot failed for %s: %v", url, shotErr)
		} else if saved, saveErr := s.evidence.Save(cand.ID, buf); saveErr != nil {
			s.log.LogWarnf("evidence save failed for %s: %v", url, saveErr)
		} else {
			res.ScreenshotURL = saved
		}
	}

	s.log.LogInfof("rendered %s: status=%d score=%d verdict=%s load=%dms", url, status, score, verdict.State, loadMs)
	return res, nil
}

// verdictFor maps extracted signals to a verdict. Uncertain always routes to
// discovery rather than being treated as a final negative.
func verdictFor(sig Signals, score, threshold int) (business.Verdict, string) {
	if sig.StatusCode >= 400 {
		return business.Verdict{
			State:          business.VerdictInvalid,
			Confidence:     0.9,
			InvalidReason:  business.ReasonTechnicalError,
			Recommendation: business.RecommendTriggerDiscovery,
		}, fmt.Sprintf("http %d", sig.StatusCode)
	}
	if score > threshold {
		conf := float64(score) / 100
		if conf > 0.95 {
			conf = 0.95
		}
		return business.Verdict{
			State:          business.VerdictValid,
			Confidence:     conf,
			InvalidReason:  business.ReasonNone,
			Recommendation: business.RecommendKeepURL,
		}, fmt.Sprintf("quality score %d (phone_match=%v name_match=%v words=%d)", score, sig.PhoneMatch, sig.NameMatch, sig.WordCount)
	}
	if sig.Placeholder {
		return business.Verdict{
			State:          business.VerdictInvalid,
			Confidence:     0.75,
			InvalidReason:  business.ReasonContentMismatch,
			Recommendation: business.RecommendTriggerDiscovery,
		}, fmt.Sprintf("placeholder or parked page (score %d)", score)
	}
	return business.Verdict{
		State:          business.VerdictUncertain,
		Confidence:     float64(score) / 100,
		InvalidReason:  business.ReasonNone,
		Recommendation: business.RecommendTriggerDiscovery,
	}, fmt.Sprintf("weak signals, score %d not above threshold %d", score, threshold)
}

// visibleText strips markup down to what a visitor would read.
func visibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script,style,noscript,svg,iframe").Remove()
	return collapseSpaces(doc.Find("body").Text())
}

// wordCount measures readable content via markdown conversion, which drops
// nav chrome and markup weight better than raw text splitting.
func wordCount(html string) int {
	conv := html2markdown.NewConverter("", true, nil)
	md, err := conv.ConvertString(html)
	if err != nil {
		return len(strings.Fields(visibleText(html)))
	}
	return len(strings.Fields(md))
}
