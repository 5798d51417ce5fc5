package pipeline

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/aman-churiwal/edge-gateway/internal/middleware"
)

// Handler adapts the pipeline to gin. It is meant to be installed as the
// engine's NoRoute handler so that every path not claimed by an admin route
// is proxied.
func (o *Orchestrator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.Request

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := o.tracer.Start(ctx, "gateway "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}

		req := &Request{
			ID:        middleware.GetRequestID(c),
			Method:    r.Method,
			Path:      r.URL.Path,
			RawPath:   r.URL.EscapedPath(),
			RawQuery:  r.URL.RawQuery,
			Header:    r.Header,
			Body:      r.Body,
			Host:      r.Host,
			Proto:     proto,
			ClientIP:  c.ClientIP(),
			UserAgent: r.UserAgent(),
		}

		resp := o.Process(ctx, req)

		span.SetAttributes(
			attribute.Int("http.status_code", resp.Status),
			attribute.String("gateway.stage", string(resp.Stage)),
		)
		if resp.Cache != "" {
			span.SetAttributes(attribute.String("gateway.cache", resp.Cache))
		}
		if resp.Status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Error)
		}

		write(c, resp)
	}
}

func write(c *gin.Context, resp *Response) {
	h := c.Writer.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}

	c.Status(resp.Status)
	if len(resp.Body) == 0 || resp.Status == http.StatusNoContent || resp.Status == http.StatusNotModified {
		c.Writer.WriteHeaderNow()
		return
	}
	if _, err := c.Writer.Write(resp.Body); err != nil {
		_ = c.Error(err)
	}
}
