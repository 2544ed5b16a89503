package template

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

const (
	PropRecipients = "recipients"
	PropMessage    = "message"
	PropMotechID   = "motechId"
	PropCallback   = "callback"
	PropUsername   = "username"
	PropPassword   = "password"
)

var placeholderPattern = regexp.MustCompile(`\[([A-Za-z0-9_.\-]+)\]`)

// Credentials are attached to a single request, never to a shared client.
type Credentials struct {
	Username string
	Password string
}

// HTTPRequest is an immutable description of one provider call.
type HTTPRequest struct {
	Method      Method
	URL         string
	Query       url.Values
	Form        url.Values
	Credentials *Credentials
}

// String renders the request for debug logs without credentials.
func (r HTTPRequest) String() string {
	if r.Method == MethodPost {
		return fmt.Sprintf("POST %s parameters: %s", r.URL, printableValues(r.Form))
	}
	return fmt.Sprintf("GET %s query: %s", r.URL, r.Query.Encode())
}

// BuildRequest resolves the template against props. It performs no I/O.
func (t *Template) BuildRequest(props map[string]string) (HTTPRequest, error) {
	for _, key := range []string{PropRecipients, PropMessage} {
		if _, ok := props[key]; !ok {
			return HTTPRequest{}, fmt.Errorf("%w: missing required property %q", domain.ErrConfiguration, key)
		}
	}

	req := t.Outgoing.Request
	out := HTTPRequest{
		Method: req.Type,
		URL:    expand(req.URLPath, props),
		Query:  resolveParameters(req.QueryParameters, props),
	}
	if out.Method == MethodPost {
		out.Form = resolveParameters(req.BodyParameters, props)
	}

	if req.Authentication {
		creds, err := credentialsFrom(props)
		if err != nil {
			return HTTPRequest{}, err
		}
		out.Credentials = creds
	}

	return out, nil
}

func credentialsFrom(props map[string]string) (*Credentials, error) {
	username, hasUsername := props[PropUsername]
	password, hasPassword := props[PropPassword]
	hasUsername = hasUsername && username != ""
	hasPassword = hasPassword && password != ""

	switch {
	case hasUsername && hasPassword:
		return &Credentials{Username: username, Password: password}, nil
	case hasUsername:
		return nil, fmt.Errorf("%w: missing password", domain.ErrConfiguration)
	case hasPassword:
		return nil, fmt.Errorf("%w: missing username", domain.ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: missing username and password", domain.ErrConfiguration)
	}
}

func resolveParameters(params map[string]string, props map[string]string) url.Values {
	values := url.Values{}
	for name, raw := range params {
		value, ok := resolve(raw, props)
		if !ok {
			continue
		}
		values.Set(name, value)
	}
	return values
}

// resolve returns false when the whole value is a placeholder for an absent
// property, so optional parameters are omitted instead of sent empty.
func resolve(raw string, props map[string]string) (string, bool) {
	if m := placeholderPattern.FindStringSubmatch(raw); m != nil && m[0] == raw {
		value, ok := props[m[1]]
		return value, ok
	}
	return expand(raw, props), true
}

func expand(raw string, props map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(raw, func(token string) string {
		key := token[1 : len(token)-1]
		if value, ok := props[key]; ok {
			return value
		}
		return ""
	})
}

func printableValues(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, values.Get(k)))
	}
	return strings.Join(parts, ", ")
}
