package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	listRoute = "GET /v1/cases/{case}/players/{player}/slots"
	slotRoute = "GET /v1/cases/{case}/players/{player}/slots/{slot}"
)

type middlewareFixture struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter

	// seenCID is the correlation id the last handler invocation observed.
	seenCID string
}

// newMiddlewareFixture serves a mux shaped like the operator API through
// Middleware, with metrics and spans recorded in memory. The global tracer
// provider is swapped for the duration of the test.
func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	tp, exp := recordingTracer(t)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := &middlewareFixture{reader: reader, spans: exp}
	mux := http.NewServeMux()
	mux.HandleFunc(listRoute, func(w http.ResponseWriter, r *http.Request) {
		f.seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(slotRoute, func(w http.ResponseWriter, r *http.Request) {
		f.seenCID = CorrelationID(r.Context())
		if r.PathValue("slot") == "slot_9" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	f.handler = Middleware(m)(mux)
	return f
}

func (f *middlewareFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		path       string
		wantStatus int
		wantName   string
	}{
		{"/v1/cases/manor/players/alice/slots", http.StatusOK, "HTTP " + listRoute},
		{"/v1/cases/manor/players/alice/slots/slot_1", http.StatusNoContent, "HTTP " + slotRoute},
		{"/v1/cases/manor/players/alice/slots/slot_9", http.StatusInternalServerError, "HTTP " + slotRoute},
		{"/nowhere/42", http.StatusNotFound, "HTTP unmatched"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			f := newMiddlewareFixture(t)
			rec := f.serve(httptest.NewRequest("GET", tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}

			spans := f.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if spans[0].Name != tc.wantName {
				t.Errorf("span name = %q, want %q", spans[0].Name, tc.wantName)
			}
			var status int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tc.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", status, tc.wantStatus)
			}
		})
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	t.Run("new trace", func(t *testing.T) {
		f := newMiddlewareFixture(t)
		rec := f.serve(httptest.NewRequest("GET", "/v1/cases/manor/players/alice/slots", nil))
		if len(f.seenCID) != 32 {
			t.Fatalf("handler saw correlation id %q", f.seenCID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != f.seenCID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, f.seenCID)
		}
		if rec.Header().Get("traceparent") == "" {
			t.Error("response carries no traceparent")
		}
	})

	t.Run("continues caller trace", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		f := newMiddlewareFixture(t)
		req := httptest.NewRequest("GET", "/v1/cases/manor/players/alice/slots", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

		rec := f.serve(req)
		if f.seenCID != traceID {
			t.Errorf("handler correlation id = %q, want %q", f.seenCID, traceID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
		}
	})
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	f := newMiddlewareFixture(t)
	for _, slot := range []string{"slot_1", "slot_2", "slot_3"} {
		f.serve(httptest.NewRequest("GET", "/v1/cases/manor/players/alice/slots/"+slot, nil))
	}
	f.serve(httptest.NewRequest("GET", "/v1/cases/manor/players/alice/slots", nil))

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "casekeep.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}

	// Slot ids must not leak into the route label.
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		method, _ := dp.Attributes.Value("method")
		if method.AsString() != "GET" {
			t.Errorf("method attribute = %q", method.AsString())
		}
		counts[route.AsString()] += dp.Count
	}
	if len(counts) != 2 || counts[slotRoute] != 3 || counts[listRoute] != 1 {
		t.Errorf("samples by route = %v", counts)
	}
}
