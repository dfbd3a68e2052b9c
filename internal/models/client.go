package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// AttributesSchemaVersion is written on every attribute document this service stores.
const AttributesSchemaVersion = 1

type Client struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Website    string     `db:"website" json:"website"`
	Industry   string     `db:"industry" json:"industry"`
	City       string     `db:"city" json:"city"`
	Attributes Attributes `db:"attributes" json:"attributes"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Attributes is the Brand DNA document of a client.
//
// Known keys decode into typed fields. Keys of the form "{platform}_{field}"
// decode into Connections. Everything else is kept verbatim in Extra and
// written back unchanged, so unknown keys always pass through.
type Attributes struct {
	SchemaVersion         int           `json:"schema_version,omitempty"`
	Tone                  string        `json:"tone,omitempty"`
	NegativeConstraints   string        `json:"negative_constraints,omitempty"`
	ContentTheme          string        `json:"content_theme,omitempty"`
	ContentPillars        []string      `json:"content_pillars,omitempty"`
	Tips                  []string      `json:"tips,omitempty"`
	Myths                 []string      `json:"myths,omitempty"`
	HardSellOffer         string        `json:"hard_sell_offer,omitempty"`
	SuggestedPostsPerWeek *int          `json:"suggested_posts_per_week,omitempty"`
	HeroImageURL          string        `json:"hero_image_url,omitempty"`
	TargetPlatforms       []Platform    `json:"target_platforms,omitempty"`
	ContentAtoms          *ContentAtoms `json:"content_atoms,omitempty"`
	PostingRules          *PostingRules `json:"posting_rules,omitempty"`

	IsEcommerce       bool               `json:"is_ecommerce,omitempty"`
	EcommercePlatform string             `json:"ecommerce_platform,omitempty"`
	ProductCategories []string           `json:"product_categories,omitempty"`
	ProductSpotlights []ProductSpotlight `json:"product_spotlights,omitempty"`

	Connections map[Platform]*SocialConnection `json:"-"`
	Extra       map[string]json.RawMessage     `json:"-"`
}

type ContentAtoms struct {
	StoryMission     string   `json:"story_mission,omitempty"`
	ServicesBenefits []string `json:"services_benefits,omitempty"`
	FAQs             []string `json:"faqs,omitempty"`
	Stats            []string `json:"stats,omitempty"`
	Offers           []string `json:"offers,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ProductSpotlight is a product worth featuring in posts.
type ProductSpotlight struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Price    string `json:"price,omitempty"`
	Currency string `json:"currency,omitempty"`
	Category string `json:"category,omitempty"`
}

type ApprovalMode string

const (
	ApprovalAlways    ApprovalMode = "always"
	ApprovalNever     ApprovalMode = "never"
	ApprovalThreshold ApprovalMode = "threshold"
)

type TimeoutAction string

const (
	TimeoutAutoPost   TimeoutAction = "auto_post"
	TimeoutAutoReject TimeoutAction = "auto_reject"
)

type MonthlyWindow string

const (
	MonthlyWindowCalendar MonthlyWindow = "calendar"
	MonthlyWindowRolling  MonthlyWindow = "rolling"
)

// PostingRules holds per-client overrides of the posting policy defaults.
type PostingRules struct {
	PostsPerWeek           *int          `json:"posts_per_week,omitempty"`
	CooldownDays           *int          `json:"cooldown_days,omitempty"`
	MaxPostsPerMonth       *int          `json:"max_posts_per_month,omitempty"`
	ApprovalMode           ApprovalMode  `json:"approval_mode,omitempty"`
	ApprovalThreshold      *float64      `json:"approval_threshold,omitempty"`
	OnApprovalTimeout      TimeoutAction `json:"on_approval_timeout,omitempty"`
	ApprovalTimeoutMinutes *int          `json:"approval_timeout_minutes,omitempty"`
	MonthlyWindow          MonthlyWindow `json:"monthly_window,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// SocialConnection is stored flattened in Attributes as "{platform}_{field}".
type SocialConnection struct {
	AccessToken    string             `json:"access_token,omitempty"`
	RefreshToken   string             `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time         `json:"token_expires_at,omitempty"`
	AccountID      string             `json:"account_id,omitempty"`
	AccountName    string             `json:"account_name,omitempty"`
	Candidates     []AccountCandidate `json:"candidates,omitempty"`
	NeedsReauth    bool               `json:"needs_reauth,omitempty"`
}

// AccountCandidate is one account discovered during an OAuth callback that
// still waits for the user to pick it.
type AccountCandidate struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Category       string     `json:"category,omitempty"`
	AccessToken    string     `json:"access_token,omitempty"`
	RefreshToken   string     `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// AttributeError reports an attribute key whose value has the wrong shape.
type AttributeError struct {
	Key string
	Err error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("attribute %s: %v", e.Key, e.Err)
}

func (e *AttributeError) Unwrap() error { return e.Err }

type (
	attributesFields   Attributes
	contentAtomsFields ContentAtoms
	postingRulesFields PostingRules
)

var (
	attributeKeys    = jsonKeys(reflect.TypeOf(Attributes{}))
	contentAtomKeys  = jsonKeys(reflect.TypeOf(ContentAtoms{}))
	postingRuleKeys  = jsonKeys(reflect.TypeOf(PostingRules{}))
	connectionFields = jsonKeys(reflect.TypeOf(SocialConnection{}))
)

// ConnectionKey returns the flattened attribute key for a connection field.
func ConnectionKey(p Platform, field string) string {
	return string(p) + "_" + field
}

func splitConnectionKey(key string) (Platform, string, bool) {
	for _, p := range Platforms {
		suffix, ok := strings.CutPrefix(key, string(p)+"_")
		if !ok {
			continue
		}
		if _, known := connectionFields[suffix]; known {
			return p, suffix, true
		}
	}
	return "", "", false
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	var fields attributesFields
	extra, err := decodeWithExtra(data, &fields, attributeKeys)
	if err != nil {
		return err
	}
	*a = Attributes(fields)

	grouped := make(map[Platform]map[string]json.RawMessage)
	for key, value := range extra {
		platform, suffix, ok := splitConnectionKey(key)
		if !ok {
			continue
		}
		if grouped[platform] == nil {
			grouped[platform] = make(map[string]json.RawMessage)
		}
		grouped[platform][suffix] = value
		delete(extra, key)
	}

	for platform, values := range grouped {
		raw, err := json.Marshal(values)
		if err != nil {
			return err
		}
		var conn SocialConnection
		if err := json.Unmarshal(raw, &conn); err != nil {
			return &AttributeError{Key: string(platform) + "_*", Err: err}
		}
		if a.Connections == nil {
			a.Connections = make(map[Platform]*SocialConnection)
		}
		a.Connections[platform] = &conn
	}

	if len(extra) > 0 {
		a.Extra = extra
	}
	return nil
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	out, err := encodeWithExtra(attributesFields(a), a.Extra)
	if err != nil {
		return nil, err
	}
	for platform, conn := range a.Connections {
		if conn == nil {
			continue
		}
		flat, err := encodeWithExtra(conn, nil)
		if err != nil {
			return nil, err
		}
		for field, value := range flat {
			out[ConnectionKey(platform, field)] = value
		}
	}
	return json.Marshal(out)
}

func (c *ContentAtoms) UnmarshalJSON(data []byte) error {
	var fields contentAtomsFields
	extra, err := decodeWithExtra(data, &fields, contentAtomKeys)
	if err != nil {
		return err
	}
	*c = ContentAtoms(fields)
	c.Extra = extra
	return nil
}

func (c ContentAtoms) MarshalJSON() ([]byte, error) {
	out, err := encodeWithExtra(contentAtomsFields(c), c.Extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (r *PostingRules) UnmarshalJSON(data []byte) error {
	var fields postingRulesFields
	extra, err := decodeWithExtra(data, &fields, postingRuleKeys)
	if err != nil {
		return err
	}
	*r = PostingRules(fields)
	r.Extra = extra
	return nil
}

func (r PostingRules) MarshalJSON() ([]byte, error) {
	out, err := encodeWithExtra(postingRulesFields(r), r.Extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Connection returns the stored connection for p, or nil.
func (a *Attributes) Connection(p Platform) *SocialConnection {
	if a.Connections == nil {
		return nil
	}
	return a.Connections[p]
}

// Connected reports whether an access token is stored for p.
func (a *Attributes) Connected(p Platform) bool {
	conn := a.Connection(p)
	return conn != nil && conn.AccessToken != ""
}

// ConnectedPlatforms lists the platforms holding an access token, in display order.
func (a *Attributes) ConnectedPlatforms() []Platform {
	var out []Platform
	for _, p := range Platforms {
		if a.Connected(p) {
			out = append(out, p)
		}
	}
	return out
}

// Document returns the attributes as a generic JSON document.
func (a Attributes) Document() (map[string]any, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// AttributesFromDocument decodes a generic JSON document into Attributes.
func AttributesFromDocument(doc map[string]any) (Attributes, error) {
	var a Attributes
	raw, err := json.Marshal(doc)
	if err != nil {
		return a, err
	}
	err = json.Unmarshal(raw, &a)
	return a, err
}

// Redacted returns a copy with every stored token masked.
func (a Attributes) Redacted() Attributes {
	if len(a.Connections) == 0 {
		return a
	}
	conns := make(map[Platform]*SocialConnection, len(a.Connections))
	for p, c := range a.Connections {
		if c == nil {
			continue
		}
		cp := *c
		if cp.AccessToken != "" {
			cp.AccessToken = "********"
		}
		if cp.RefreshToken != "" {
			cp.RefreshToken = "********"
		}
		if len(cp.Candidates) > 0 {
			cp.Candidates = make([]AccountCandidate, len(c.Candidates))
			for i, cand := range c.Candidates {
				cand.AccessToken = ""
				cand.RefreshToken = ""
				cp.Candidates[i] = cand
			}
		}
		conns[p] = &cp
	}
	a.Connections = conns
	return a
}
