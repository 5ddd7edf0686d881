package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	cidpkg "github.com/majackson2003/walkie-talkie-mvp/internal/cid"
)

func withMemoryTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestOtelMiddlewareStartsSpan(t *testing.T) {
	exp := withMemoryTracer(t)

	s := &Server{}
	router := gin.New()
	router.Use(s.otelMiddleware())
	router.GET("/test", func(c *gin.Context) { c.String(200, "ok") })

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatalf("expected spans to be recorded, got 0")
	}
	foundMethod, foundTarget, foundStatus := false, false, false
	for _, s := range spans {
		for _, attr := range s.Attributes {
			switch {
			case attr.Key == "http.method" && attr.Value.AsString() == "GET":
				foundMethod = true
			case attr.Key == "http.target" && attr.Value.AsString() == "/test":
				foundTarget = true
			case attr.Key == "http.status_code" && attr.Value.AsInt64() == 200:
				foundStatus = true
			}
		}
	}
	if !foundMethod || !foundTarget || !foundStatus {
		t.Fatalf("expected http attributes on spans; got method=%v target=%v status=%v", foundMethod, foundTarget, foundStatus)
	}
}

func TestOtelMiddlewareSetsCIDAttribute(t *testing.T) {
	exp := withMemoryTracer(t)

	s := &Server{}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(cidpkg.With(context.Background(), "test-cid-123"))
		c.Next()
	})
	router.Use(s.otelMiddleware())
	router.GET("/testcid", func(c *gin.Context) { c.String(200, "ok") })

	req := httptest.NewRequest("GET", "/testcid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	foundCID := false
	for _, s := range exp.GetSpans() {
		for _, attr := range s.Attributes {
			if attr.Key == cidpkg.AttributeName && attr.Value.AsString() == "test-cid-123" {
				foundCID = true
			}
		}
	}
	if !foundCID {
		t.Fatalf("expected %s attribute on spans; not found", cidpkg.AttributeName)
	}
}
