// Package api is the HTTP client for the remote fleet API: snapshot feeds,
// entity writes, stop transitions and POD upload.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/pod"
)

const dateLayout = "2006-01-02"

var ErrNoBaseURL = errors.New("api: base url is required")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base    *url.URL
	token   string
	session *http.Client
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	session := cfg.HTTPClient
	if session == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		session = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, token: cfg.Token, session: session, logger: logger}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do runs req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.session.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("api call", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, q, nil, "")
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body any) error {
	var r io.Reader
	ct := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		r, ct = bytes.NewReader(b), "application/json"
	}
	req, err := c.newRequest(ctx, method, path, q, r, ct)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// FetchRoutes returns the planned routes of period together with their
// stops as orders.
func (c *Client) FetchRoutes(ctx context.Context, period models.Period) ([]models.Entity, error) {
	path, q := "/routes/today", url.Values(nil)
	if !period.IsToday() {
		path = "/routes"
		q = url.Values{}
		if !period.Start.IsZero() {
			q.Set("start", period.Start.Format(dateLayout))
		}
		end := period.End
		if end.IsZero() {
			end = period.Start
		}
		q.Set("end", end.Format(dateLayout))
	}
	var routes []routeDTO
	if err := c.get(ctx, path, q, &routes); err != nil {
		return nil, err
	}
	var out []models.Entity
	for _, r := range routes {
		out = append(out, r.entities()...)
	}
	return out, nil
}

func (c *Client) FetchPendingOrders(ctx context.Context) ([]models.Entity, error) {
	var orders []orderDTO
	if err := c.get(ctx, "/orders", url.Values{"status": {string(models.StatusPending)}}, &orders); err != nil {
		return nil, err
	}
	out := make([]models.Entity, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.entity())
	}
	return out, nil
}

// FetchFleet returns vehicles followed by drivers.
func (c *Client) FetchFleet(ctx context.Context) ([]models.Entity, error) {
	var fleet fleetDTO
	if err := c.get(ctx, "/fleet", nil, &fleet); err != nil {
		return nil, err
	}
	out := make([]models.Entity, 0, len(fleet.Vehicles)+len(fleet.Drivers))
	for _, v := range fleet.Vehicles {
		out = append(out, v.entity())
	}
	for _, d := range fleet.Drivers {
		out = append(out, d.entity())
	}
	return out, nil
}

// PatchEntity writes an edit of an order, vehicle or driver.
func (c *Client) PatchEntity(ctx context.Context, ref models.Ref, patch models.Patch) error {
	switch ref.Collection {
	case models.Orders, models.Vehicles, models.Drivers:
	default:
		return fmt.Errorf("api: %s cannot be edited", ref.Collection)
	}
	b, err := encodePatch(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/"+string(ref.Collection)+"/"+url.PathEscape(ref.ID), nil, bytes.NewReader(b), "application/json")
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) CheckIn(ctx context.Context, driverID string) error {
	return c.send(ctx, http.MethodPost, "/drivers/"+url.PathEscape(driverID)+"/check-in", nil, nil)
}

func (c *Client) CheckOut(ctx context.Context, driverID string) error {
	return c.send(ctx, http.MethodPost, "/drivers/"+url.PathEscape(driverID)+"/check-out", nil, nil)
}

// UpdateStopStatus requests a stop transition. reason is sent only when set.
func (c *Client) UpdateStopStatus(ctx context.Context, stopID string, status models.Status, reason string) error {
	q := url.Values{"status": {string(status)}}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.send(ctx, http.MethodPatch, "/stops/"+url.PathEscape(stopID)+"/status", q, nil)
}

// UploadPOD submits the packaged proof of delivery for a stop.
func (c *Client) UploadPOD(ctx context.Context, stopID string, pkg *pod.Package) error {
	body, ct, err := pkg.Encode()
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/stops/"+url.PathEscape(stopID)+"/pod", nil, bytes.NewReader(body), ct)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) CancelRoute(ctx context.Context, routeID string) error {
	return c.send(ctx, http.MethodPost, "/routes/"+url.PathEscape(routeID)+"/cancel", nil, nil)
}
