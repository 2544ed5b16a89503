package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.AddDispatched("Twilio", 3)
	metrics.AddDispatched("twilio", 0)
	metrics.IncFailed("twilio", "RETRYING", "transport")
	metrics.ObserveProviderCall("twilio", 120*time.Millisecond)
	metrics.IncWorkerInFlight("sms.send")
	metrics.DecWorkerInFlight("sms.send")
	metrics.IncRetryScheduled("twilio")
	metrics.IncSinkError("audit")

	if got := testutil.ToFloat64(metrics.smsDispatchedTotal.WithLabelValues("twilio")); got != 3 {
		t.Fatalf("sms_dispatched_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.smsFailedTotal.WithLabelValues("twilio", "retrying", "transport")); got != 1 {
		t.Fatalf("sms_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("twilio")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight.WithLabelValues("sms.send")); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.sinkErrorsTotal.WithLabelValues("audit")); got != 1 {
		t.Fatalf("sink_errors_total = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.AddDispatched("twilio", 1)
	metrics.IncFailed("twilio", "ABORTED", "rejected")
	metrics.IncSinkError("events")
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
