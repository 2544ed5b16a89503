package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/template"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherScenarioAServerErrorRetriesThenAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 2})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusInternalServerError, Body: "boom"}, nil
	}

	msg := domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi", Config: "twilio", MotechID: "m-1"}
	if err := h.dispatcher.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(h.scheduler.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(h.scheduler.enqueued))
	}

	if err := h.dispatcher.Send(context.Background(), h.scheduler.enqueued[0].msg); err != nil {
		t.Fatalf("Send() retry error = %v", err)
	}
	if len(h.scheduler.enqueued) != 1 {
		t.Fatalf("enqueued after abort = %d, want 1", len(h.scheduler.enqueued))
	}

	if len(h.audit.records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(h.audit.records))
	}
	assertAudit(t, h.audit.records[0], domain.StatusRetrying, 1)
	assertAudit(t, h.audit.records[1], domain.StatusAborted, 2)
	if got := *h.audit.records[0].FailureReason; got != "boom" {
		t.Fatalf("failure reason = %q, want boom", got)
	}

	if len(h.events.events) != 2 {
		t.Fatalf("events = %d, want 2", len(h.events.events))
	}
	if h.events.events[0].Subject != domain.StatusRetrying || h.events.events[1].Subject != domain.StatusAborted {
		t.Fatalf("event subjects = %s,%s want RETRYING,ABORTED", h.events.events[0].Subject, h.events.events[1].Subject)
	}
}

func TestDispatcherScenarioBSingleRecipientSuccess(t *testing.T) {
	t.Parallel()

	tmpl := template.Template{
		Name: "body-id",
		Outgoing: template.Outgoing{
			Request: template.Request{
				URLPath:         "https://sms.example.com/send",
				QueryParameters: map[string]string{"to": "[recipients]", "text": "[message]"},
			},
			Response: template.Response{
				SuccessResponse:               "^OK",
				ExtractSingleSuccessMessageID: `OK:(\w+)`,
			},
		},
	}
	h := newHarness(t, tmpl, provider.Config{Name: "plivo", TemplateName: "body-id", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		if got := req.Query.Get("to"); got != "+15551" {
			t.Fatalf("to = %q, want +15551", got)
		}
		return &provider.Response{StatusCode: http.StatusOK, Body: "OK:msg123"}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
		Recipients: []string{"+15551"},
		Message:    "hi",
		Config:     "plivo",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(h.audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(h.audit.records))
	}
	record := h.audit.records[0]
	assertAudit(t, record, domain.StatusDispatched, 0)
	if record.ProviderMessageID == nil || *record.ProviderMessageID != "msg123" {
		t.Fatalf("provider message id = %v, want msg123", record.ProviderMessageID)
	}
	if record.Recipient != "+15551" || record.Direction != domain.DirectionOutbound || record.ID == "" {
		t.Fatalf("unexpected audit record: %+v", record)
	}
	if len(h.events.events) != 1 || h.events.events[0].ProviderMessageID != "msg123" {
		t.Fatalf("events = %+v, want one DISPATCHED event with msg123", h.events.events)
	}
	if len(h.scheduler.enqueued) != 0 {
		t.Fatalf("enqueued = %d, want 0", len(h.scheduler.enqueued))
	}
}

func TestDispatcherScenarioCMultiLinePartialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, multiLineTemplate(), provider.Config{Name: "nexmo", TemplateName: "multi", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		if got := req.Query.Get("to"); got != "+15551,+15552" {
			t.Fatalf("to = %q, want joined recipients", got)
		}
		return &provider.Response{StatusCode: http.StatusOK, Body: "OK:id1:+15551\nFAIL:bad number:+15552"}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
		Recipients: []string{"+15551", "+15552"},
		Message:    "hi",
		Config:     "nexmo",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(h.audit.records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(h.audit.records))
	}
	dispatched := h.audit.records[0]
	assertAudit(t, dispatched, domain.StatusDispatched, 0)
	if dispatched.Recipient != "+15551" || *dispatched.ProviderMessageID != "id1" {
		t.Fatalf("dispatched record = %+v, want +15551/id1", dispatched)
	}
	retrying := h.audit.records[1]
	assertAudit(t, retrying, domain.StatusRetrying, 1)
	if retrying.Recipient != "+15552" || *retrying.FailureReason != "bad number" {
		t.Fatalf("retrying record = %+v, want +15552/bad number", retrying)
	}

	if len(h.scheduler.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(h.scheduler.enqueued))
	}
	next := h.scheduler.enqueued[0].msg
	if strings.Join(next.Recipients, ",") != "+15552" || next.FailureCount != 1 {
		t.Fatalf("retry snapshot = %+v, want +15552 with failureCount 1", next)
	}
}

func TestDispatcherSkipsFailureLinesForDispatchedRecipients(t *testing.T) {
	t.Parallel()

	h := newHarness(t, multiLineTemplate(), provider.Config{Name: "nexmo", TemplateName: "multi", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusOK, Body: "OK:id1:+15551\nFAIL:dup:+15551\nFAIL:bad:+15552"}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
		Recipients: []string{"+15551", "+15552"},
		Message:    "hi",
		Config:     "nexmo",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []string{
		"audit:DISPATCHED:+15551",
		"event:DISPATCHED:+15551",
		"audit:RETRYING:+15552",
		"event:RETRYING:+15552",
		"enqueue:+15552",
	}
	if got := h.log.entries(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestDispatcherWarnsAboutRecipientsMissingFromResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, multiLineTemplate(), provider.Config{Name: "nexmo", TemplateName: "multi", MaxRetries: 3})
	core, recorded := observer.New(zapcore.WarnLevel)
	h.dispatcher.logger = zap.New(core)
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusOK, Body: "OK:id1:+15551"}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
		Recipients: []string{"+15551", "+15552"},
		Message:    "hi",
		Config:     "nexmo",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	entries := recorded.FilterMessage("provider response did not mention every recipient").All()
	if len(entries) != 1 {
		t.Fatalf("warn entries = %d, want 1", len(entries))
	}
	missing, ok := entries[0].ContextMap()["recipients"].([]interface{})
	if !ok || len(missing) != 1 || missing[0] != "+15552" {
		t.Fatalf("missing recipients = %v, want [+15552]", entries[0].ContextMap()["recipients"])
	}
	if len(h.audit.records) != 1 || len(h.scheduler.enqueued) != 0 {
		t.Fatalf("audit=%d enqueued=%d, want 1/0", len(h.audit.records), len(h.scheduler.enqueued))
	}
}

func TestDispatcherScenarioDMissingPasswordIsConfigurationError(t *testing.T) {
	t.Parallel()

	tmpl := statusTemplate()
	tmpl.Outgoing.Request.Authentication = true
	h := newHarness(t, tmpl, provider.Config{
		Name:         "twilio",
		TemplateName: "status",
		MaxRetries:   3,
		Props:        map[string]string{template.PropUsername: "acct"},
	})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		t.Fatal("transport should not be called")
		return nil, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi"})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Send() error = %v, want ErrConfiguration", err)
	}
	if !strings.Contains(err.Error(), "missing password") {
		t.Fatalf("error = %q, want missing password", err.Error())
	}
	if len(h.audit.records) != 0 || len(h.events.events) != 0 {
		t.Fatal("configuration errors must not be audited or published")
	}
}

func TestDispatcherAbortsWhenRetriesExhaustedAtEntry(t *testing.T) {
	t.Parallel()

	for _, failureCount := range []int{2, 3, 7} {
		t.Run(fmt.Sprintf("failureCount=%d", failureCount), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 2})
			h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
				return nil, &provider.TransportError{Provider: "twilio", Message: "connection refused"}
			}

			err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
				Recipients:   []string{"+15551"},
				Message:      "hi",
				FailureCount: failureCount,
			})
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if len(h.events.events) != 1 || h.events.events[0].Subject != domain.StatusAborted {
				t.Fatalf("events = %+v, want one ABORTED", h.events.events)
			}
			if len(h.scheduler.enqueued) != 0 {
				t.Fatal("aborted sends must not be rescheduled")
			}
		})
	}
}

func TestDispatcherRetryNumbering(t *testing.T) {
	t.Parallel()

	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusBadGateway}, nil
	}

	msg := domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi"}
	for attempt := 0; attempt < 3; attempt++ {
		if err := h.dispatcher.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send() attempt %d error = %v", attempt+1, err)
		}
		if attempt < 2 {
			msg = h.scheduler.enqueued[attempt].msg
		}
	}

	var counts []int
	for _, event := range h.events.events {
		counts = append(counts, event.FailureCount)
	}
	if fmt.Sprint(counts) != "[1 2 3]" {
		t.Fatalf("failure counts = %v, want [1 2 3]", counts)
	}
	if last := h.events.events[2]; last.Subject != domain.StatusAborted {
		t.Fatalf("third event = %s, want ABORTED", last.Subject)
	}
	if len(h.scheduler.enqueued) != 2 {
		t.Fatalf("enqueued = %d, want 2", len(h.scheduler.enqueued))
	}
	if got := h.audit.records[0].FailureReason; got == nil || *got != "provider returned HTTP 502" {
		t.Fatalf("failure reason = %v, want HTTP 502 fallback", got)
	}
}

func TestDispatcherWritesAuditBeforeEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, multiLineTemplate(), provider.Config{Name: "nexmo", TemplateName: "multi", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusOK, Body: "OK:id1:+15551\nOK:id1:+15552\nFAIL:blocked:+15553"}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
		Recipients: []string{"+15551", "+15552", "+15553"},
		Message:    "hi",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []string{
		"audit:DISPATCHED:+15551",
		"audit:DISPATCHED:+15552",
		"event:DISPATCHED:+15551,+15552",
		"audit:RETRYING:+15553",
		"event:RETRYING:+15553",
		"enqueue:+15553",
	}
	if got := h.log.entries(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("sink order = %v, want %v", got, want)
	}
}

func TestDispatcherUnparseableLineRetriesUndispatchedRecipients(t *testing.T) {
	t.Parallel()

	h := newHarness(t, multiLineTemplate(), provider.Config{Name: "nexmo", TemplateName: "multi", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusOK, Body: "OK:id1:+15551\n???"}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{
		Recipients: []string{"+15551", "+15552", "+15553"},
		Message:    "hi",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(h.audit.records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(h.audit.records))
	}
	batch := h.audit.records[1]
	if batch.Recipient != "+15552,+15553" || *batch.FailureReason != "???" {
		t.Fatalf("batch record = %+v, want +15552,+15553 with raw line", batch)
	}
	if got := h.scheduler.enqueued[0].msg.Recipients; strings.Join(got, ",") != "+15552,+15553" {
		t.Fatalf("retry recipients = %v", got)
	}
}

func TestDispatcherTransportErrorIsGeneralFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 3})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return nil, &provider.TransportError{Provider: "twilio", Message: "request failed", Timeout: true, Cause: context.DeadlineExceeded}
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Recipients: []string{"+15551", "+15552"}, Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(h.audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(h.audit.records))
	}
	reason := *h.audit.records[0].FailureReason
	if !strings.HasPrefix(reason, `error while communicating with "twilio"`) {
		t.Fatalf("failure reason = %q", reason)
	}
	if h.audit.records[0].Recipient != "+15551,+15552" {
		t.Fatalf("recipient = %q, want joined batch", h.audit.records[0].Recipient)
	}
	want := `sms_dispatch_sms_failed_total{provider="twilio",reason="transport",status="retrying"} 1`
	if body := scrape(t, h.metrics); !strings.Contains(body, want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 3})
	h.dispatcher.logger = zap.New(core)
	h.audit.err = errors.New("database unavailable")
	h.events.err = errors.New("broker unavailable")
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusOK}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v, sink failures must be swallowed", err)
	}
	if logs.FilterMessage("failed to write sms audit record").Len() != 1 {
		t.Fatal("expected audit failure to be logged")
	}
	if logs.FilterMessage("failed to publish sms delivery event").Len() != 1 {
		t.Fatal("expected event failure to be logged")
	}
	want := `sms_dispatch_sink_errors_total{sink="audit"} 1`
	if body := scrape(t, h.metrics); !strings.Contains(body, want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestDispatcherPacingCancellationKeepsOutcome(t *testing.T) {
	t.Parallel()

	tmpl := statusTemplate()
	tmpl.Outgoing.MillisecondsBetweenMessages = 5_000
	h := newHarness(t, tmpl, provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusOK}, nil
	}
	var paced time.Duration
	h.dispatcher.SetPacer(pacerFunc(func(pctx context.Context, name string, spacing time.Duration) error {
		paced = spacing
		cancel()
		<-pctx.Done()
		return pctx.Err()
	}))

	if err := h.dispatcher.Send(ctx, domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if paced != 5*time.Second {
		t.Fatalf("paced = %s, want 5s", paced)
	}
	if len(h.audit.records) != 1 || len(h.events.events) != 1 {
		t.Fatal("outcome must be recorded before pacing")
	}
}

func TestDispatcherRateLimiterFailureSkipsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 3})
	h.dispatcher.SetRateLimiter(&fakeRateLimiter{
		waitFn: func(ctx context.Context, name string) error {
			if name != "twilio" {
				t.Fatalf("limiter provider = %q, want twilio", name)
			}
			return errors.New("redis down")
		},
	})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		t.Fatal("transport should not be called")
		return nil, nil
	}

	if err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(h.scheduler.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(h.scheduler.enqueued))
	}
}

func TestDispatcherExponentialBackoffDelay(t *testing.T) {
	t.Parallel()

	tmpl := statusTemplate()
	tmpl.Outgoing.ExponentialBackOffRetries = true
	h := newHarness(t, tmpl, provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 5})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		return &provider.Response{StatusCode: http.StatusServiceUnavailable}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi", FailureCount: 2})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := h.scheduler.enqueued[0].delay; got != 4*time.Second {
		t.Fatalf("delay = %s, want 4s", got)
	}
}

func TestDispatcherBuildsCallbackAndConfigOverrides(t *testing.T) {
	t.Parallel()

	tmpl := statusTemplate()
	tmpl.Outgoing.Request.QueryParameters["cb"] = "[callback]"
	tmpl.Outgoing.Request.QueryParameters["from"] = "[from]"
	tmpl.Outgoing.Request.QueryParameters["ref"] = "[motechId]"
	h := newHarness(t, tmpl, provider.Config{
		Name:         "twilio",
		TemplateName: "status",
		MaxRetries:   3,
		Props:        map[string]string{"from": "MOTECH", template.PropMessage: "overridden"},
	})
	h.transport.executeFn = func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
		if got := req.Query.Get("cb"); got != "https://platform.example.com/module/sms/status/twilio" {
			t.Fatalf("callback = %q", got)
		}
		if got := req.Query.Get("from"); got != "MOTECH" {
			t.Fatalf("from = %q", got)
		}
		if got := req.Query.Get("text"); got != "overridden" {
			t.Fatalf("text = %q, config props must override", got)
		}
		if got := req.Query.Get("ref"); got != "m-9" {
			t.Fatalf("ref = %q", got)
		}
		return &provider.Response{StatusCode: http.StatusOK}, nil
	}

	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Recipients: []string{"+15551"}, Message: "hi", MotechID: "m-9"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestDispatcherRejectsInvalidMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 3})
	err := h.dispatcher.Send(context.Background(), domain.OutgoingSMS{Message: "hi"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Send() error = %v, want ErrValidation", err)
	}
}

func TestComputeRetryDelay(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{randIntn: func(n int) int { return 0 }}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 7, want: 60 * time.Second},
		{attempt: 20, want: 60 * time.Second},
	}
	for _, tt := range tests {
		if got := d.computeRetryDelay(tt.attempt); got != tt.want {
			t.Fatalf("computeRetryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	d.randIntn = func(n int) int { return n - 1 }
	if got := d.computeRetryDelay(1); got != time.Second+250*time.Millisecond {
		t.Fatalf("computeRetryDelay with jitter = %s", got)
	}
}

func TestNewDispatcherRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, nil, nil, nil, nil, nil, "", nil)
	if err == nil {
		t.Fatal("expected error for missing dependencies")
	}

	h := newHarness(t, statusTemplate(), provider.Config{Name: "twilio", TemplateName: "status", MaxRetries: 1})
	_, err = NewDispatcher(h.templates, h.configs, h.transport, h.scheduler, h.audit, h.events, "  ", nil)
	if err == nil || !strings.Contains(err.Error(), "platform base url") {
		t.Fatalf("NewDispatcher() error = %v, want platform base url error", err)
	}
}

func statusTemplate() template.Template {
	return template.Template{
		Name: "status",
		Outgoing: template.Outgoing{
			Request: template.Request{
				URLPath:         "https://sms.example.com/send",
				QueryParameters: map[string]string{"to": "[recipients]", "text": "[message]"},
			},
			Response: template.Response{SuccessStatus: "200"},
		},
	}
}

func multiLineTemplate() template.Template {
	return template.Template{
		Name: "multi",
		Outgoing: template.Outgoing{
			Request: template.Request{
				URLPath:         "https://sms.example.com/bulk",
				MultiRecipient:  true,
				QueryParameters: map[string]string{"to": "[recipients]", "text": "[message]"},
			},
			Response: template.Response{
				MultiLineRecipientResponse:          true,
				ExtractSuccessMessageIDAndRecipient: `^OK:([^:]+):(\S+)$`,
				ExtractFailureMessageAndRecipient:   `^FAIL:([^:]+):(\S+)$`,
			},
		},
	}
}

func assertAudit(t *testing.T, record domain.AuditRecord, status domain.DeliveryStatus, failureCount int) {
	t.Helper()
	if record.Status != status {
		t.Fatalf("audit status = %s, want %s", record.Status, status)
	}
	if record.FailureCount != failureCount {
		t.Fatalf("audit failure count = %d, want %d", record.FailureCount, failureCount)
	}
}

type harness struct {
	dispatcher *Dispatcher
	templates  *template.Registry
	configs    *provider.Configs
	transport  *fakeTransport
	scheduler  *fakeScheduler
	audit      *fakeAuditSink
	events     *fakeEventBus
	log        *callLog
	metrics    *observability.Metrics
}

func newHarness(t *testing.T, tmpl template.Template, cfg provider.Config) *harness {
	t.Helper()

	templates, err := template.NewRegistry([]template.Template{tmpl})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	configs, err := provider.NewConfigs("", []provider.Config{cfg})
	if err != nil {
		t.Fatalf("NewConfigs() error = %v", err)
	}

	log := &callLog{}
	h := &harness{
		templates: templates,
		configs:   configs,
		transport: &fakeTransport{},
		scheduler: &fakeScheduler{log: log},
		audit:     &fakeAuditSink{log: log},
		events:    &fakeEventBus{log: log},
		log:       log,
	}

	h.dispatcher, err = NewDispatcher(
		templates,
		configs,
		h.transport,
		h.scheduler,
		h.audit,
		h.events,
		"https://platform.example.com/",
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	metrics := observability.NewMetrics()
	h.dispatcher.SetMetrics(metrics)
	h.metrics = metrics
	h.dispatcher.SetPacer(nil)
	h.dispatcher.randIntn = func(n int) int { return 0 }
	h.dispatcher.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return h
}

func scrape(t *testing.T, metrics *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, entry)
}

func (l *callLog) entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeTransport struct {
	executeFn func(ctx context.Context, req template.HTTPRequest) (*provider.Response, error)
}

func (f *fakeTransport) Execute(ctx context.Context, req template.HTTPRequest) (*provider.Response, error) {
	if f.executeFn == nil {
		return &provider.Response{StatusCode: http.StatusOK}, nil
	}
	return f.executeFn(ctx, req)
}

type enqueuedSMS struct {
	msg   domain.OutgoingSMS
	delay time.Duration
}

type fakeScheduler struct {
	log      *callLog
	enqueued []enqueuedSMS
	err      error
}

func (f *fakeScheduler) Enqueue(ctx context.Context, msg domain.OutgoingSMS, delay time.Duration) error {
	f.log.add("enqueue:" + strings.Join(msg.Recipients, ","))
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, enqueuedSMS{msg: msg, delay: delay})
	return nil
}

type fakeAuditSink struct {
	log     *callLog
	records []domain.AuditRecord
	err     error
}

func (f *fakeAuditSink) Log(ctx context.Context, record *domain.AuditRecord) error {
	f.log.add("audit:" + record.Status.String() + ":" + record.Recipient)
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *record)
	return nil
}

type fakeEventBus struct {
	log    *callLog
	events []domain.DeliveryEvent
	err    error
}

func (f *fakeEventBus) Publish(ctx context.Context, event domain.DeliveryEvent) error {
	f.log.add("event:" + event.Subject.String() + ":" + strings.Join(event.Recipients, ","))
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, provider string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, provider string) error {
	if f.waitFn == nil {
		return nil
	}
	return f.waitFn(ctx, provider)
}

type pacerFunc func(ctx context.Context, provider string, spacing time.Duration) error

func (f pacerFunc) Pace(ctx context.Context, provider string, spacing time.Duration) error {
	return f(ctx, provider, spacing)
}
