// Package prescreen is the cheapest validation tier: a pure, network-free
// check that a candidate URL is worth spending renderer or discovery budget
// on. It must stay fast enough to run inline on every record.
package prescreen

import (
	"net/url"
	"os"
	"strings"

	"sitecheck/internal/core/business"

	"gopkg.in/yaml.v3"
)

type Outcome string

const (
	OutcomePass            Outcome = "pass"
	OutcomeRejectFormat    Outcome = "reject_format"
	OutcomeRejectDirectory Outcome = "reject_directory"
)

// directoryDomains are review sites, aggregators and map services that can
// never be a business's own website.
var directoryDomains = []string{
	"yelp.com",
	"yellowpages.com",
	"tripadvisor.com",
	"foursquare.com",
	"bbb.org",
	"angi.com",
	"angieslist.com",
	"thumbtack.com",
	"houzz.com",
	"zillow.com",
	"realtor.com",
	"opentable.com",
	"grubhub.com",
	"doordash.com",
	"ubereats.com",
	"seamless.com",
	"menupix.com",
	"allmenus.com",
	"zomato.com",
	"mapquest.com",
	"maps.google.com",
	"google.com",
	"bing.com",
	"whitepages.com",
	"manta.com",
	"superpages.com",
	"chamberofcommerce.com",
	"citysearch.com",
	"merchantcircle.com",
	"hotfrog.com",
	"brownbook.net",
	"cylex.us.com",
	"healthgrades.com",
	"avvo.com",
	"findlaw.com",
	"lawyers.com",
	"zocdoc.com",
	"vitals.com",
	"caredash.com",
	"booking.com",
	"expedia.com",
	"hotels.com",
	"indeed.com",
	"glassdoor.com",
	"crunchbase.com",
	"bloomberg.com",
	"dnb.com",
	"wikipedia.org",
	"craigslist.org",
	"ebay.com",
	"amazon.com",
	"etsy.com",
	"groupon.com",
	"nextdoor.com",
	"patch.com",
}

// socialDomains host profiles, not websites.
var socialDomains = []string{
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"linkedin.com",
	"tiktok.com",
	"youtube.com",
	"pinterest.com",
	"snapchat.com",
	"threads.net",
	"reddit.com",
	"tumblr.com",
	"medium.com",
	"linktr.ee",
	"wa.me",
	"whatsapp.com",
	"t.me",
	"telegram.me",
}

// Checker screens candidate URLs against a known-bad domain list. Zero
// network I/O beyond URL-string parsing.
type Checker struct {
	directories map[string]struct{}
	socials     map[string]struct{}
}

// blocklistFile is the optional YAML extension format:
//
//	directories: [extra-aggregator.com]
//	socials: [some-network.example]
type blocklistFile struct {
	Directories []string `yaml:"directories"`
	Socials     []string `yaml:"socials"`
}

func New() *Checker {
	c := &Checker{
		directories: make(map[string]struct{}, len(directoryDomains)),
		socials:     make(map[string]struct{}, len(socialDomains)),
	}
	for _, d := range directoryDomains {
		c.directories[d] = struct{}{}
	}
	for _, d := range socialDomains {
		c.socials[d] = struct{}{}
	}
	return c
}

// NewFromFile builds a checker with the built-in lists extended from a YAML
// file. An empty path returns the built-in checker.
func NewFromFile(path string) (*Checker, error) {
	c := New()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var extra blocklistFile
	if err := yaml.Unmarshal(b, &extra); err != nil {
		return nil, err
	}
	for _, d := range extra.Directories {
		c.directories[normalizeDomain(d)] = struct{}{}
	}
	for _, d := range extra.Socials {
		c.socials[normalizeDomain(d)] = struct{}{}
	}
	return c, nil
}

// Check classifies a candidate URL. The reason distinguishes directory
// listings from social profiles so the verdict can carry it through to the
// audit log.
func (c *Checker) Check(raw string) (Outcome, business.InvalidReason) {
	if strings.TrimSpace(raw) == "" {
		return OutcomeRejectFormat, business.ReasonTechnicalError
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return OutcomeRejectFormat, business.ReasonTechnicalError
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return OutcomeRejectFormat, business.ReasonTechnicalError
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || !strings.Contains(host, ".") {
		return OutcomeRejectFormat, business.ReasonTechnicalError
	}
	if matchesDomain(host, c.socials) {
		return OutcomeRejectDirectory, business.ReasonSocialProfile
	}
	if matchesDomain(host, c.directories) {
		return OutcomeRejectDirectory, business.ReasonDirectory
	}
	return OutcomePass, business.ReasonNone
}

func matchesDomain(host string, set map[string]struct{}) bool {
	host = strings.TrimPrefix(host, "www.")
	for {
		if _, ok := set[host]; ok {
			return true
		}
		i := strings.Index(host, ".")
		if i < 0 {
			return false
		}
		host = host[i+1:]
		if !strings.Contains(host, ".") {
			return false
		}
	}
}

func normalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
}
