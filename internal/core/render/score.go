package render

import (
	"strings"
)

// Signals are the business-identity facts extracted from a rendered page.
type Signals struct {
	StatusCode  int  `json:"status_code"`
	WordCount   int  `json:"word_count"`
	PhoneMatch  bool `json:"phone_match"`
	NameMatch   bool `json:"name_match"`
	Placeholder bool `json:"placeholder"`
	LoadTimeMs  int  `json:"load_time_ms"`
}

// Quality score weights. Contact info dominates because a page that shows
// the business's own phone number is almost never someone else's site.
const (
	weightContactInfo   = 40
	weightRealContent   = 30
	weightWordCount     = 20
	weightFastLoad      = 10
	minRealWordCount    = 100
	fastLoadThresholdMs = 3000
)

// QualityScore folds the extracted signals into a 0-100 score.
func (s Signals) QualityScore() int {
	score := 0
	if s.PhoneMatch || s.NameMatch {
		score += weightContactInfo
	}
	if !s.Placeholder {
		score += weightRealContent
	}
	if s.WordCount >= minRealWordCount {
		score += weightWordCount
	}
	if s.LoadTimeMs > 0 && s.LoadTimeMs <= fastLoadThresholdMs {
		score += weightFastLoad
	}
	return score
}

// placeholderMarkers flag parked domains, registrar landers and empty server
// defaults.
var placeholderMarkers = []string{
	"domain is for sale",
	"buy this domain",
	"this domain is parked",
	"parked free",
	"domain parking",
	"coming soon",
	"under construction",
	"website is under construction",
	"default web page",
	"welcome to nginx",
	"apache2 ubuntu default page",
	"iis windows server",
	"index of /",
	"account suspended",
	"this site can’t be reached",
	"future home of something quite cool",
}

// IsPlaceholder reports whether page text reads like a parked or empty page.
func IsPlaceholder(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ContainsPhone reports whether the page contains the business phone number,
// compared digit-only so formatting differences don't matter.
func ContainsPhone(text, phone string) bool {
	want := digitsOnly(phone)
	if len(want) < 7 {
		return false
	}
	// Match on the last 10 digits to tolerate country-code prefixes.
	if len(want) > 10 {
		want = want[len(want)-10:]
	}
	return strings.Contains(digitsOnly(text), want)
}

// ContainsName reports whether the page mentions the business name,
// whitespace-collapsed and case-insensitive.
func ContainsName(text, name string) bool {
	want := collapseSpaces(strings.ToLower(name))
	if want == "" {
		return false
	}
	return strings.Contains(collapseSpaces(strings.ToLower(text)), want)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
