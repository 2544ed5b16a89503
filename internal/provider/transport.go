package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/template"
)

const defaultProviderTimeout = 10 * time.Second

// Response is the raw provider reply handed to the response interpreter.
type Response struct {
	StatusCode int
	Body       string
	Header     http.Header
}

// HTTPTransport executes template requests against SMS providers.
// Credentials travel with each request; the shared client carries no auth state.
type HTTPTransport struct {
	client *resty.Client
}

func NewHTTPTransport(timeout time.Duration) (*HTTPTransport, error) {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewHTTPTransportWithClient(client)
}

func NewHTTPTransportWithClient(client *resty.Client) (*HTTPTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultProviderTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPTransport{client: client}, nil
}

// Execute performs req. Any HTTP status is returned as a Response; only
// failures to obtain one produce a *TransportError.
func (t *HTTPTransport) Execute(ctx context.Context, req template.HTTPRequest) (*Response, error) {
	if t == nil || t.client == nil {
		return nil, fmt.Errorf("transport is not initialized")
	}
	target := strings.TrimSpace(req.URL)
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, &TransportError{Message: "invalid provider url", Cause: err}
	}

	r := t.client.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}
	if req.Method == template.MethodPost && len(req.Form) > 0 {
		r.SetFormDataFromValues(req.Form)
	}
	if req.Credentials != nil {
		r.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	}

	method := string(req.Method)
	if method == "" {
		method = resty.MethodGet
	}

	response, err := r.Execute(method, target)
	if err != nil {
		return nil, &TransportError{
			Message: "provider request failed",
			Timeout: IsTimeout(err),
			Cause:   err,
		}
	}
	if response == nil {
		return nil, &TransportError{Message: "provider returned empty response"}
	}

	return &Response{
		StatusCode: response.StatusCode(),
		Body:       response.String(),
		Header:     response.Header(),
	}, nil
}
