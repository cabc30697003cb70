package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"library_rental/pkg/circuitbreaker"
	"library_rental/pkg/middleware"
	"library_rental/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// forwarded request headers
var passHeaders = []string{"Content-Type", "Idempotency-Key", middleware.RequestIDHeader}

type gateway struct {
	upstream      string
	client        *http.Client
	breaker       *circuitbreaker.CircuitBreaker
	retries       *queue.Queue
	retryInterval time.Duration
	maxRetries    int
	log           *slog.Logger
}

type upstreamResponse struct {
	status      int
	contentType string
	body        []byte
}

type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errUpstream = errors.New("library service error")

func (g *gateway) routes(limiter *middleware.IPRateLimiter, origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(g.log), middleware.CORS(origins))

	r.GET("/manage/health", g.healthCheck)

	v1 := r.Group("/v1", middleware.RateLimit(limiter))
	v1.GET("/books", g.forward)
	v1.GET("/books/:isbn", g.forward)
	v1.POST("/books/:isbn/rent", g.forward)
	v1.GET("/users/:userId/rentals", g.forward)
	v1.POST("/rentals/:rentalId/return", g.returnRental)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{
			Status:  http.StatusNotFound,
			Code:    "ROUTE_NOT_FOUND",
			Message: "Route " + c.Request.URL.Path + " not found",
		})
	})
	return r
}

func (g *gateway) forward(c *gin.Context) {
	req, err := g.newRequest(c)
	if err != nil {
		g.log.Error("build upstream request", "path", c.Request.URL.Path, "error", err)
		unavailable(c)
		return
	}

	resp, err := g.call(req)
	if resp != nil {
		c.Data(resp.status, resp.contentType, resp.body)
		return
	}
	g.log.Warn("library service unreachable", "method", req.Method, "url", req.URL.String(), "error", err)
	unavailable(c)
}

// returnRental forwards a return and queues it for redelivery when the
// library service cannot take it right now.
func (g *gateway) returnRental(c *gin.Context) {
	req, err := g.newRequest(c)
	if err != nil {
		g.log.Error("build upstream request", "path", c.Request.URL.Path, "error", err)
		unavailable(c)
		return
	}

	resp, err := g.call(req)
	if err == nil {
		c.Data(resp.status, resp.contentType, resp.body)
		return
	}

	headers := make(map[string]string)
	for _, h := range passHeaders {
		if v := req.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	item := &queue.RetryRequest{
		ID:         uuid.NewString(),
		Method:     req.Method,
		URL:        req.URL.String(),
		Headers:    headers,
		RetryAt:    time.Now().Add(g.retryInterval),
		MaxRetries: g.maxRetries,
	}
	g.retries.Enqueue(item)
	g.log.Warn("return queued for retry", "id", item.ID, "url", item.URL, "error", err)
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "rentalId": c.Param("rentalId")})
}

func (g *gateway) newRequest(c *gin.Context) (*http.Request, error) {
	var body []byte
	if c.Request.Body != nil {
		b, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	url := g.upstream + c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		url += "?" + q
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, h := range passHeaders {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if req.Header.Get(middleware.RequestIDHeader) == "" {
		req.Header.Set(middleware.RequestIDHeader, middleware.GetRequestID(c))
	}
	return req, nil
}

// call runs req through the circuit breaker. A 5xx answer counts as a
// failure but is still returned so it can be relayed to the client.
func (g *gateway) call(req *http.Request) (*upstreamResponse, error) {
	var resp *upstreamResponse
	err := g.breaker.Execute(func() error {
		r, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		resp = &upstreamResponse{status: r.StatusCode, contentType: r.Header.Get("Content-Type"), body: body}
		if r.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", errUpstream, r.StatusCode)
		}
		return nil
	})
	return resp, err
}

// send redelivers a queued request.
func (g *gateway) send(ctx context.Context, item *queue.RetryRequest) (int, error) {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, bytes.NewReader(item.Body))
	if err != nil {
		return 0, err
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	resp, err := g.call(req)
	if resp != nil {
		return resp.status, nil
	}
	return 0, err
}

func (g *gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "UP",
		"circuitBreaker": g.breaker.State().String(),
		"retryQueue":     g.retries.Size(),
	})
}

func unavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, errorBody{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Library service is unavailable",
	})
}
