package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/sms-dispatch/internal/template"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	statusCallbackPath   = "/module/sms/status/"
	maxRetryDelay        = 60 * time.Second
	baseRetryDelay       = time.Second
	maxRetryJitterMillis = 250
	tracerName           = "github.com/kursadbilgin/sms-dispatch/internal/dispatch"
)

type TemplateSource interface {
	Template(name string) (*template.Template, error)
}

type ConfigSource interface {
	Config(name string) (*provider.Config, error)
}

type Transport interface {
	Execute(ctx context.Context, req template.HTTPRequest) (*provider.Response, error)
}

// Scheduler re-delivers a message after delay. Delivery is at-least-once.
type Scheduler interface {
	Enqueue(ctx context.Context, msg domain.OutgoingSMS, delay time.Duration) error
}

type AuditSink interface {
	Log(ctx context.Context, record *domain.AuditRecord) error
}

type EventBus interface {
	Publish(ctx context.Context, event domain.DeliveryEvent) error
}

// Dispatcher performs one send attempt end to end: resolve, build, call,
// interpret, audit, publish and then retry or abandon.
type Dispatcher struct {
	templates       TemplateSource
	configs         ConfigSource
	transport       Transport
	scheduler       Scheduler
	audit           AuditSink
	events          EventBus
	platformBaseURL string

	pacer    ratelimit.Pacer
	limiter  ratelimit.RateLimiter
	logger   *zap.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	randIntn func(n int) int
	newID    func() string
}

func NewDispatcher(
	templates TemplateSource,
	configs ConfigSource,
	transport Transport,
	scheduler Scheduler,
	audit AuditSink,
	events EventBus,
	platformBaseURL string,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if templates == nil {
		return nil, fmt.Errorf("template source is required")
	}
	if configs == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(platformBaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("platform base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		templates:       templates,
		configs:         configs,
		transport:       transport,
		scheduler:       scheduler,
		audit:           audit,
		events:          events,
		platformBaseURL: baseURL,
		pacer:           ratelimit.SleepPacer{},
		logger:          logger,
		tracer:          otel.Tracer(tracerName),
		now:             time.Now,
		randIntn:        rand.Intn,
		newID:           uuid.NewString,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// SetRateLimiter makes every provider call wait for the shared limiter first.
func (d *Dispatcher) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if d == nil {
		return
	}
	d.limiter = limiter
}

// SetPacer replaces the per-send pause. A nil pacer disables pausing.
func (d *Dispatcher) SetPacer(pacer ratelimit.Pacer) {
	if d == nil {
		return
	}
	d.pacer = pacer
}

// CallbackURL is the delivery-status webhook a provider reports back to.
func CallbackURL(platformBaseURL string, providerName string) string {
	return strings.TrimRight(platformBaseURL, "/") + statusCallbackPath + providerName
}

// Send performs one attempt for msg. Only validation and configuration errors
// are returned; every other failure ends up in audit records, events and the
// retry decision.
func (d *Dispatcher) Send(ctx context.Context, msg domain.OutgoingSMS) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	cfg, err := d.configs.Config(msg.Config)
	if err != nil {
		return err
	}
	tmpl, err := d.templates.Template(cfg.TemplateName)
	if err != nil {
		return fmt.Errorf("config %s: %w", cfg.Name, err)
	}

	ctx, span := d.tracer.Start(ctx, "sms.dispatch", trace.WithAttributes(
		attribute.String("sms.config", cfg.Name),
		attribute.String("sms.template", tmpl.Name),
		attribute.Int("sms.recipients", len(msg.Recipients)),
		attribute.Int("sms.failure_count", msg.FailureCount),
	))
	defer span.End()

	ctx = observability.WithCorrelationID(ctx, msg.MotechID)
	logger := observability.ContextLogger(ctx, d.logger).With(zap.String("config", cfg.Name))

	props := d.properties(msg, cfg, tmpl)
	if ce := logger.Check(zap.DebugLevel, "resolved send properties"); ce != nil {
		ce.Write(zap.Any("props", maskedProperties(props)))
	}

	req, err := tmpl.BuildRequest(props)
	if err != nil {
		span.SetAttributes(attribute.String("sms.error", "configuration"))
		return fmt.Errorf("config %s: %w", cfg.Name, err)
	}
	logger.Debug("provider request", zap.Stringer("request", req))

	outcome, called := d.call(ctx, cfg, tmpl, req, msg.Recipients, logger)
	d.reconcile(ctx, msg, cfg, tmpl, outcome, logger, span)

	if called {
		d.pace(ctx, cfg, tmpl, logger)
	}
	return nil
}

func (d *Dispatcher) properties(msg domain.OutgoingSMS, cfg *provider.Config, tmpl *template.Template) map[string]string {
	props := make(map[string]string, len(cfg.Props)+4)
	props[template.PropRecipients] = tmpl.RecipientsAsString(msg.Recipients)
	props[template.PropMessage] = msg.Message
	props[template.PropMotechID] = msg.MotechID
	props[template.PropCallback] = CallbackURL(d.platformBaseURL, cfg.Name)

	for key, value := range cfg.Props {
		props[key] = value
	}
	return props
}

// call returns the interpreted outcome and whether a provider call was made.
func (d *Dispatcher) call(
	ctx context.Context,
	cfg *provider.Config,
	tmpl *template.Template,
	req template.HTTPRequest,
	recipients []string,
	logger *zap.Logger,
) (template.Outcome, bool) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, cfg.Name); err != nil {
			reason := fmt.Sprintf("rate limiter wait failed for %q: %v", cfg.Name, err)
			logger.Error("provider call not attempted", zap.Error(err))
			return template.Outcome{GeneralFailure: reason, GeneralKind: domain.FailureTransport}, false
		}
	}

	start := d.now()
	resp, err := d.transport.Execute(ctx, req)
	d.metrics.ObserveProviderCall(cfg.Name, d.now().Sub(start))
	if err != nil {
		reason := fmt.Sprintf("error while communicating with %q: %v", cfg.Name, err)
		logger.Error("provider call failed", zap.Error(err), zap.Bool("timeout", provider.IsTimeout(err)))
		return template.Outcome{GeneralFailure: reason, GeneralKind: domain.FailureTransport}, true
	}

	logger.Debug("provider response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", strings.ReplaceAll(resp.Body, "\n", "\\n")),
	)
	return tmpl.Outgoing.Response.Interpret(recipients, resp.StatusCode, resp.Body, resp.Header), true
}

func (d *Dispatcher) pace(ctx context.Context, cfg *provider.Config, tmpl *template.Template, logger *zap.Logger) {
	if d.pacer == nil {
		return
	}
	spacing := time.Duration(tmpl.Outgoing.MillisecondsBetweenMessages) * time.Millisecond
	if spacing <= 0 {
		return
	}
	if err := d.pacer.Pace(ctx, cfg.Name, spacing); err != nil {
		logger.Debug("pacing interrupted", zap.Duration("spacing", spacing), zap.Error(err))
	}
}

func (d *Dispatcher) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if d.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = d.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func maskedProperties(props map[string]string) map[string]string {
	masked := make(map[string]string, len(props))
	for key, value := range props {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "password") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			value = "****"
		}
		masked[key] = value
	}
	return masked
}
