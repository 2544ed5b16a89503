package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// Method is the HTTP verb a template issues.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

func (m Method) IsValid() bool {
	return m == MethodGet || m == MethodPost
}

const defaultRecipientsSeparator = ","

// Template describes how to talk to one SMS provider.
type Template struct {
	Name     string   `json:"name"`
	Outgoing Outgoing `json:"outgoing"`
}

// Outgoing groups the outbound request, its response contract and pacing.
type Outgoing struct {
	Request                     Request  `json:"request"`
	Response                    Response `json:"response"`
	MillisecondsBetweenMessages int      `json:"millisecondsBetweenMessages"`
	ExponentialBackOffRetries   bool     `json:"exponentialBackOffRetries"`
	MaxRecipient                int      `json:"maxRecipient"`
}

// Request declares the provider call. Parameter values are literals or
// [placeholder] references resolved against send properties.
type Request struct {
	Type                Method            `json:"type"`
	URLPath             string            `json:"urlPath"`
	RecipientsSeparator string            `json:"recipientsSeparator"`
	MultiRecipient      bool              `json:"multiRecipient"`
	QueryParameters     map[string]string `json:"queryParameters"`
	BodyParameters      map[string]string `json:"bodyParameters"`
	Authentication      bool              `json:"authentication"`
}

// Compile validates the template and prepares its response patterns.
// A template must be compiled before it builds requests or interprets responses.
func (t *Template) Compile() error {
	if t == nil {
		return fmt.Errorf("%w: template is nil", domain.ErrConfiguration)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: template name is required", domain.ErrConfiguration)
	}

	req := &t.Outgoing.Request
	req.Type = Method(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	if req.Type == "" {
		req.Type = MethodGet
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: template %s: unsupported request type %q", domain.ErrConfiguration, t.Name, req.Type)
	}
	if strings.TrimSpace(req.URLPath) == "" {
		return fmt.Errorf("%w: template %s: urlPath is required", domain.ErrConfiguration, t.Name)
	}
	if req.RecipientsSeparator == "" {
		req.RecipientsSeparator = defaultRecipientsSeparator
	}
	if t.Outgoing.MillisecondsBetweenMessages < 0 {
		return fmt.Errorf("%w: template %s: millisecondsBetweenMessages must be >= 0", domain.ErrConfiguration, t.Name)
	}
	if t.Outgoing.MaxRecipient < 0 {
		return fmt.Errorf("%w: template %s: maxRecipient must be >= 0", domain.ErrConfiguration, t.Name)
	}

	if err := t.Outgoing.Response.compile(); err != nil {
		return fmt.Errorf("%w: template %s: %v", domain.ErrConfiguration, t.Name, err)
	}
	return nil
}

// RecipientsAsString joins recipients with the template separator.
func (t *Template) RecipientsAsString(recipients []string) string {
	sep := t.Outgoing.Request.RecipientsSeparator
	if sep == "" {
		sep = defaultRecipientsSeparator
	}
	return strings.Join(recipients, sep)
}

// Batches splits recipients into the groups a single provider call can carry.
func (t *Template) Batches(recipients []string) [][]string {
	if len(recipients) == 0 {
		return nil
	}

	size := len(recipients)
	if !t.Outgoing.Request.MultiRecipient {
		size = 1
	} else if limit := t.Outgoing.MaxRecipient; limit > 0 && limit < size {
		size = limit
	}

	batches := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		batches = append(batches, append([]string(nil), recipients[start:end]...))
	}
	return batches
}

func compilePattern(field string, expr string, groups int, anchored bool) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	if anchored {
		expr = "^(?:" + expr + ")$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if re.NumSubexp() < groups {
		return nil, fmt.Errorf("%s: needs %d capture group(s), has %d", field, groups, re.NumSubexp())
	}
	return re, nil
}
