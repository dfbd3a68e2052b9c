package crawler

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/maheshrc27/brandflow/internal/models"
)

const DefaultTone = "Professional and engaging"

var industryKeywords = []struct {
	label    string
	keywords []string
}{
	{"Dentistry", []string{"dentist", "dental", "orthodont"}},
	{"Plumbing", []string{"plumber", "plumbing", "boiler"}},
	{"Electrical Services", []string{"electrician", "electrical"}},
	{"Legal Services", []string{"attorney", "solicitor", "law firm", "lawyer"}},
	{"Accounting", []string{"accountant", "accounting", "bookkeeping", "tax return"}},
	{"Restaurant", []string{"restaurant", "dinner", "reservation", "our menu"}},
	{"Cafe", []string{"cafe", "coffee", "espresso"}},
	{"Bakery", []string{"bakery", "pastries", "sourdough"}},
	{"Fitness", []string{"gym", "fitness", "personal trainer", "workout"}},
	{"Hair & Beauty", []string{"salon", "haircut", "beauty", "nails"}},
	{"Real Estate", []string{"real estate", "estate agent", "property for sale", "realtor"}},
	{"Education", []string{"school", "tutor", "academy", "courses", "students"}},
	{"Healthcare", []string{"clinic", "physiotherapy", "patients", "medical"}},
	{"Veterinary", []string{"veterinary", "vet clinic", "pets"}},
	{"Marketing", []string{"marketing agency", "seo", "branding"}},
	{"Software", []string{"software", "saas"}},
	{"Construction", []string{"builder", "construction", "renovation", "roofing"}},
	{"Retail", []string{"shop now", "add to cart", "free shipping", "store"}},
}

// genericTypes are schema.org types too broad to name an industry.
var genericTypes = map[string]bool{
	"Organization":  true,
	"LocalBusiness": true,
	"Corporation":   true,
	"Store":         true,
	"Place":         true,
	"Thing":         true,
}

var (
	sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
	statRe     = regexp.MustCompile(`(?i)\d[\d,.]*\s*(%|\+|years?|clients|customers|reviews|projects|patients|students|stars?)`)
	offerRe    = regexp.MustCompile(`(?i)\b(free|\d+% off|discount|book (now|today|your|a)|get a (free )?quote|limited time|special offer|sign up)\b`)
	titleSplit = regexp.MustCompile(`\s+[|–—:-]\s+`)
)

// Analyze infers a client profile from a crawled site. The result has no id.
func Analyze(site *Site) *models.Client {
	home := site.Home()
	if home == nil {
		return &models.Client{Website: site.Root, Attributes: models.Attributes{Tone: DefaultTone}}
	}

	client := &models.Client{
		Name:     siteName(site),
		Website:  site.Root,
		Industry: industry(site),
		City:     city(site),
	}

	serviceList := services(site)
	offers := matchingSentences(site, offerRe, 5, 160)
	atoms := &models.ContentAtoms{
		StoryMission:     story(site),
		ServicesBenefits: serviceList,
		FAQs:             faqs(site),
		Stats:            matchingSentences(site, statRe, 5, 160),
		Offers:           offers,
	}

	attrs := models.Attributes{
		SchemaVersion:  models.AttributesSchemaVersion,
		Tone:           DefaultTone,
		ContentTheme:   home.Description,
		ContentPillars: pillars(serviceList, len(offers) > 0),
		HeroImageURL:   firstNonEmpty(home.Image, home.StructData.Image),
		ContentAtoms:   atoms,
	}
	if len(offers) > 0 {
		attrs.HardSellOffer = offers[0]
	}
	attrs.EcommercePlatform = storefrontOf(site)
	attrs.ProductSpotlights = spotlights(site, 5)
	attrs.ProductCategories = productCategories(site, 8)
	attrs.IsEcommerce = attrs.EcommercePlatform != "" || len(attrs.ProductSpotlights) > 0

	sources := make([]string, 0, len(site.Pages))
	for _, p := range site.Pages {
		sources = append(sources, p.URL)
	}
	if raw, err := json.Marshal(sources); err == nil {
		attrs.Extra = map[string]json.RawMessage{"source_pages": raw}
	}

	client.Attributes = attrs
	return client
}

func siteName(site *Site) string {
	for _, p := range site.Pages {
		if p.StructData.Name != "" {
			return p.StructData.Name
		}
	}
	home := site.Home()
	if home.SiteName != "" {
		return home.SiteName
	}
	if home.Title != "" {
		parts := titleSplit.Split(home.Title, -1)
		// "Home | Acme" style titles put the brand last.
		if len(parts) > 1 && strings.EqualFold(parts[0], "home") {
			return strings.TrimSpace(parts[len(parts)-1])
		}
		return strings.TrimSpace(parts[0])
	}

	u, err := url.Parse(site.Root)
	if err != nil {
		return site.Root
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return capitalize(host)
}

func industry(site *Site) string {
	for _, p := range site.Pages {
		if t := p.StructData.Type; t != "" && !genericTypes[t] {
			return splitCamel(t)
		}
	}

	var b strings.Builder
	for _, p := range site.Pages {
		b.WriteString(strings.ToLower(p.Title + " " + p.Description + " " + strings.Join(p.Headings, " ") + " " + p.Text))
		b.WriteByte(' ')
	}
	corpus := b.String()

	best, bestScore := "", 0
	for _, entry := range industryKeywords {
		score := 0
		for _, kw := range entry.keywords {
			score += strings.Count(corpus, kw)
		}
		if score > bestScore {
			best, bestScore = entry.label, score
		}
	}
	return best
}

func city(site *Site) string {
	for _, p := range site.Pages {
		if p.StructData.Locality != "" {
			return p.StructData.Locality
		}
	}
	return ""
}

func services(site *Site) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		key := strings.ToLower(s)
		if len(out) >= 8 || seen[key] || strings.HasSuffix(s, "?") {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	pages := site.PagesMatching("service", "what-we-do", "products", "shop")
	for _, p := range pages {
		for _, item := range p.ListItems {
			add(item)
		}
	}
	if len(out) == 0 {
		for _, p := range pages {
			// The first heading names the page itself.
			for i, h := range p.Headings {
				if i > 0 && len(h) < 80 {
					add(h)
				}
			}
		}
	}
	return out
}

func storefrontOf(site *Site) string {
	for _, p := range site.Pages {
		if p.Storefront != "" {
			return p.Storefront
		}
	}
	return ""
}

func spotlights(site *Site, limit int) []models.ProductSpotlight {
	var out []models.ProductSpotlight
	seen := map[string]bool{}
	for _, p := range site.Pages {
		for _, prod := range p.Products {
			key := strings.ToLower(prod.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, models.ProductSpotlight{
				Name:     prod.Name,
				URL:      prod.URL,
				ImageURL: prod.Image,
				Price:    prod.Price,
				Currency: prod.Currency,
				Category: prod.Category,
			})
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// productCategories prefers the categories products declare and falls back
// to the headings of the shop pages.
func productCategories(site *Site, limit int) []string {
	var out []string
	seen := map[string]bool{}
	add := func(c string) {
		key := strings.ToLower(c)
		if c == "" || len(out) >= limit || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}
	for _, p := range site.Pages {
		for _, prod := range p.Products {
			add(prod.Category)
		}
	}
	if len(out) > 0 || storefrontOf(site) == "" {
		return out
	}
	for _, p := range site.PagesMatching("collections", "shop", "store", "catalog") {
		for i, h := range p.Headings {
			if i > 0 && len(h) < 40 && !strings.HasSuffix(h, "?") {
				add(h)
			}
		}
	}
	return out
}

func faqs(site *Site) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range site.Pages {
		for _, line := range append(append([]string{}, p.Headings...), p.ListItems...) {
			if len(out) >= 6 {
				return out
			}
			if strings.HasSuffix(line, "?") && !seen[line] {
				seen[line] = true
				out = append(out, line)
			}
		}
	}
	return out
}

func story(site *Site) string {
	for _, p := range site.PagesMatching("about", "who-we-are") {
		if len(p.Description) >= 40 {
			return p.Description
		}
		for _, para := range strings.Split(p.Text, "\n\n") {
			para = strings.TrimSpace(para)
			if len(para) >= 40 && !strings.HasPrefix(para, "#") {
				return truncate(para, 400)
			}
		}
	}
	return site.Home().Description
}

// pillars derives content pillars from the leading services.
func pillars(services []string, hasOffers bool) []string {
	var out []string
	for _, s := range services {
		if len(out) == 2 {
			break
		}
		if len(s) <= 40 {
			out = append(out, s)
		}
	}
	out = append(out, "Education", "Customer stories")
	if hasOffers {
		out = append(out, "Offers")
	}
	return out
}

func matchingSentences(site *Site, re *regexp.Regexp, limit, maxLen int) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range site.Pages {
		for _, s := range sentenceRe.FindAllString(p.Text, -1) {
			s = strings.TrimSpace(strings.Trim(s, "#*> "))
			if len(s) < 12 || len(s) > maxLen || seen[s] || !re.MatchString(s) {
				continue
			}
			seen[s] = true
			out = append(out, s)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitCamel(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
