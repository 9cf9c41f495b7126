package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"gatekeeper/internal/concurrency"
	"gatekeeper/internal/models"
	"gatekeeper/internal/version"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NewUpstreamProxy returns a reverse proxy to cfg.URL. The incoming path and
// query are appended to the upstream URL. It returns nil, nil when no upstream
// is configured.
func NewUpstreamProxy(cfg models.UpstreamConfig) (http.Handler, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL scheme must be http or https, got %q", target.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	transport.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = target.Host

			if id := concurrency.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set(concurrency.RequestIDHeader, id)
			}
			if pr.Out.Header.Get("User-Agent") == "" {
				pr.Out.Header.Set("User-Agent", version.GetInfo().UserAgent())
			}
			pr.Out.Header.Set("Via", "1.1 "+version.GetInfo().UserAgent())
			otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
		},
		Transport:    transport,
		ErrorHandler: upstreamErrorHandler,
	}
	return proxy, nil
}

func upstreamErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	message := "Upstream request failed"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
		message = "Upstream request timed out"
	}

	slog.Error("Upstream request failed",
		"path", r.URL.Path,
		"request_id", concurrency.RequestIDFromContext(r.Context()),
		"error", err,
	)

	resp := models.NewErrorResponse(message, models.ErrorCodeUpstreamError)
	resp.RequestID = concurrency.RequestIDFromContext(r.Context())
	writeJSON(w, status, resp)
}
