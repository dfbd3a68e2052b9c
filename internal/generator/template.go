package generator

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/maheshrc27/brandflow/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_templates.yaml
var defaultTemplates []byte

// textLimits caps post length per platform, in runes.
var textLimits = map[models.Platform]int{
	models.PlatformX:         280,
	models.PlatformInstagram: 2200,
	models.PlatformLinkedIn:  3000,
	models.PlatformTiktok:    4000,
	models.PlatformFacebook:  63206,
}

// needsImage lists platforms that cannot publish text alone.
var needsImage = map[models.Platform]bool{
	models.PlatformInstagram: true,
	models.PlatformTiktok:    true,
}

type PostTemplate struct {
	Key       string            `yaml:"key"`
	Platforms []models.Platform `yaml:"platforms"`
	Requires  []string          `yaml:"requires,omitempty"`
	Text      string            `yaml:"text"`

	tmpl *template.Template
}

func (t *PostTemplate) supports(p models.Platform) bool {
	for _, candidate := range t.Platforms {
		if candidate == p {
			return true
		}
	}
	return false
}

type Catalogue struct {
	Templates []*PostTemplate `yaml:"post_templates"`
}

// LoadCatalogue reads a template catalogue from path, or the built-in one
// when path is empty.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		return ParseCatalogue(defaultTemplates)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return ParseCatalogue(b)
}

func ParseCatalogue(b []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(c.Templates) == 0 {
		return nil, fmt.Errorf("template catalogue is empty")
	}

	seen := make(map[string]bool, len(c.Templates))
	for _, t := range c.Templates {
		if t.Key == "" || strings.TrimSpace(t.Text) == "" {
			return nil, fmt.Errorf("template %q needs a key and text", t.Key)
		}
		if seen[t.Key] {
			return nil, fmt.Errorf("duplicate template key %q", t.Key)
		}
		seen[t.Key] = true
		for _, p := range t.Platforms {
			if !p.Valid() {
				return nil, fmt.Errorf("template %q: unsupported platform %q", t.Key, p)
			}
		}
		for _, field := range t.Requires {
			if _, ok := requirable[field]; !ok {
				return nil, fmt.Errorf("template %q: unknown requirement %q", t.Key, field)
			}
		}

		tmpl, err := template.New(t.Key).Funcs(funcs).Option("missingkey=error").Parse(t.Text)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Key, err)
		}
		t.tmpl = tmpl
	}
	return &c, nil
}

var funcs = template.FuncMap{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"join":  strings.Join,
}

// brandData is what templates render against.
type brandData struct {
	Name     string
	City     string
	Industry string
	Website  string
	Tone     string
	Pillar   string
	Tip      string
	Myth     string
	Service  string
	FAQ      string
	Stat     string
	Story    string
	Offer    string
}

var requirable = map[string]func(d brandData) string{
	"pillar":  func(d brandData) string { return d.Pillar },
	"tip":     func(d brandData) string { return d.Tip },
	"myth":    func(d brandData) string { return d.Myth },
	"service": func(d brandData) string { return d.Service },
	"faq":     func(d brandData) string { return d.FAQ },
	"stat":    func(d brandData) string { return d.Stat },
	"story":   func(d brandData) string { return d.Story },
	"offer":   func(d brandData) string { return d.Offer },
	"city":    func(d brandData) string { return d.City },
	"website": func(d brandData) string { return d.Website },
}

// dataFor picks the k-th entry of every list so consecutive drafts talk
// about different things.
func dataFor(c *models.Client, k int) brandData {
	a := c.Attributes
	d := brandData{
		Name:     c.Name,
		City:     c.City,
		Industry: c.Industry,
		Website:  c.Website,
		Tone:     a.Tone,
		Pillar:   pick(a.ContentPillars, k),
		Tip:      pick(a.Tips, k),
		Myth:     pick(a.Myths, k),
		Offer:    a.HardSellOffer,
	}
	if atoms := a.ContentAtoms; atoms != nil {
		d.Service = pick(atoms.ServicesBenefits, k)
		d.FAQ = pick(atoms.FAQs, k)
		d.Stat = pick(atoms.Stats, k)
		d.Story = atoms.StoryMission
		if d.Offer == "" {
			d.Offer = pick(atoms.Offers, k)
		}
	}
	return d
}

func pick(list []string, k int) string {
	if len(list) == 0 {
		return ""
	}
	return strings.TrimSpace(list[k%len(list)])
}

// TemplateGenerator renders drafts from a YAML catalogue. The choice of
// template rotates per client and per day, so reruns on one day are stable.
type TemplateGenerator struct {
	catalogue *Catalogue
	loc       *time.Location
	now       func() time.Time
}

func NewTemplateGenerator(c *Catalogue, loc *time.Location) *TemplateGenerator {
	if loc == nil {
		loc = time.UTC
	}
	return &TemplateGenerator{catalogue: c, loc: loc, now: time.Now}
}

func (g *TemplateGenerator) Generate(ctx context.Context, req Request) ([]Draft, error) {
	if req.Client == nil {
		return nil, fmt.Errorf("generate: client is required")
	}
	if len(req.Platforms) == 0 {
		return nil, nil
	}

	seed := g.seed(req.Client.ID)
	drafts := make([]Draft, 0, len(req.Slots))
	for i, slot := range req.Slots {
		if err := ctx.Err(); err != nil {
			return drafts, err
		}
		k := seed + i

		var chosen *PostTemplate
		var platform models.Platform
		for j := range req.Platforms {
			p := req.Platforms[(i+j)%len(req.Platforms)]
			eligible := g.eligible(req.Client, p, k, "")
			if len(eligible) > 0 {
				platform, chosen = p, eligible[k%len(eligible)]
				break
			}
		}
		if chosen == nil {
			continue
		}

		d, err := g.render(chosen, req.Client, platform, slot, k)
		if err != nil {
			return drafts, err
		}
		drafts = append(drafts, *d)
	}
	return drafts, nil
}

func (g *TemplateGenerator) Rewrite(ctx context.Context, client *models.Client, prev *models.PostCandidate, instruction string) (*Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := g.seed(prev.ID) + 1
	eligible := g.eligible(client, prev.Platform, k, prev.TemplateKey)
	if len(eligible) == 0 {
		eligible = g.eligible(client, prev.Platform, k, "")
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no template fits %s for client %s", prev.Platform, client.ID)
	}

	d, err := g.render(eligible[k%len(eligible)], client, prev.Platform, prev.SlotTime, k)
	if err != nil {
		return nil, err
	}
	d.Metadata["replaces"] = prev.ID
	if instruction != "" {
		d.Metadata["instruction"] = instruction
	}
	return d, nil
}

// eligible lists templates for p whose requirements the client meets.
func (g *TemplateGenerator) eligible(c *models.Client, p models.Platform, k int, exclude string) []*PostTemplate {
	if needsImage[p] && c.Attributes.HeroImageURL == "" {
		return nil
	}
	if _, ok := textLimits[p]; !ok {
		return nil
	}

	data := dataFor(c, k)
	var out []*PostTemplate
	for _, t := range g.catalogue.Templates {
		if t.Key == exclude || !t.supports(p) {
			continue
		}
		ok := true
		for _, field := range t.Requires {
			if requirable[field](data) == "" {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

func (g *TemplateGenerator) render(t *PostTemplate, c *models.Client, p models.Platform, slot time.Time, k int) (*Draft, error) {
	var b strings.Builder
	if err := t.tmpl.Execute(&b, dataFor(c, k)); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Key, err)
	}

	text := strings.TrimSpace(spaces.ReplaceAllString(b.String(), " "))
	limit := textLimits[p]
	truncated := false
	if utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:limit-1])) + "…"
		truncated = true
	}

	d := &Draft{
		TemplateKey: t.Key,
		Text:        text,
		Platform:    p,
		SlotTime:    slot,
		Metadata: map[string]any{
			"generator": "template",
			"rotation":  k,
		},
	}
	if needsImage[p] {
		d.MediaURL = c.Attributes.HeroImageURL
	}
	s := Score(text, c.Attributes.NegativeConstraints, truncated)
	d.Score = &s
	return d, nil
}

var spaces = regexp.MustCompile(`\s+`)

// Score rates a draft: truncation costs 0.2 and mentioning a negative
// constraint costs 0.5.
func Score(text, negativeConstraints string, truncated bool) float64 {
	s := 1.0
	if truncated {
		s -= 0.2
	}
	lower := strings.ToLower(text)
	for _, term := range negativeTerms(negativeConstraints) {
		if strings.Contains(lower, term) {
			s -= 0.5
			break
		}
	}
	if s < 0 {
		return 0
	}
	return s
}

var constraintSplit = regexp.MustCompile(`[,;\n]+`)

// negativeTerms turns "no discounts; avoid slang" into ["discounts", "slang"].
func negativeTerms(constraints string) []string {
	var terms []string
	for _, part := range constraintSplit.Split(constraints, -1) {
		term := strings.ToLower(strings.TrimSpace(part))
		for _, prefix := range []string{"don't mention ", "do not mention ", "avoid ", "never ", "no "} {
			term = strings.TrimPrefix(term, prefix)
		}
		term = strings.TrimSpace(term)
		if term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}

func (g *TemplateGenerator) seed(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	h.Write([]byte(g.now().In(g.loc).Format("20060102")))
	return int(h.Sum32() % 1_000_003)
}
