package render

import (
	"strings"
	"time"

	"github.com/gocolly/colly"
)

// ProbeResult is the outcome of the cheap pre-render HTTP fetch.
type ProbeResult struct {
	Reachable  bool
	StatusCode int
	Title      string
	Err        string
}

// probe does a plain HTTP fetch before any browser launch so unreachable
// hosts and hard 404s fail fast without spending a render slot.
func (s *Service) probe(url string) ProbeResult {
	var res ProbeResult

	c := colly.NewCollector(colly.IgnoreRobotsTxt())
	c.UserAgent = "SitecheckBot/1.0"
	c.SetRequestTimeout(8 * time.Second)

	c.OnResponse(func(r *colly.Response) {
		res.Reachable = true
		res.StatusCode = r.StatusCode
	})
	c.OnHTML("title", func(e *colly.HTMLElement) {
		if res.Title == "" {
			res.Title = strings.TrimSpace(e.Text)
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			res.Reachable = true
			res.StatusCode = r.StatusCode
		}
		res.Err = err.Error()
	})

	if err := c.Visit(url); err != nil && res.Err == "" {
		res.Err = err.Error()
	}
	return res
}
