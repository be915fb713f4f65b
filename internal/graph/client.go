// Package graph reads calendars and events from the Microsoft Graph API.
//
// Every list call follows @odata.nextLink until the collection is exhausted
// and returns either the complete collection or an error. A partial result is
// never returned: the reconciler deletes whatever a fetch omits, so a
// truncated page set would delete real events.
//
// Errors are *FetchError values classified as Unauthorized, Transient or
// Permanent. The client does not retry; that policy belongs to the caller.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mschirtzinger/outcal/internal/metrics"
	"github.com/mschirtzinger/outcal/internal/schema"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	defaultPageSize = 100

	// maxPages bounds pagination against a server that never stops linking.
	maxPages = 1000

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10

	eventFields = "id,subject,start,end,isAllDay,location,organizer,attendees,body,lastModifiedDateTime"
)

// Client issues read requests against the Graph calendar API.
type Client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	pageSize int
	logger   *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRateLimit caps requests per second. Zero or negative disables the cap.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithPageSize sets $top for event queries.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Client with defaults: the public Graph endpoint, a 30s HTTP
// timeout and 8 requests per second.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(8, 8),
		pageSize: defaultPageSize,
		logger:   log.New(io.Discard, "[graph] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAllCalendars returns every calendar of the signed-in user.
func (c *Client) FetchAllCalendars(ctx context.Context, cred schema.Credential) ([]schema.Calendar, error) {
	const op = "list calendars"

	q := url.Values{}
	q.Set("$select", "id,name,canShare")
	first := c.baseURL + "/me/calendars?" + q.Encode()

	items, err := fetchPages[apiCalendar](ctx, c, op, cred, first)
	if err != nil {
		return nil, err
	}

	cals := make([]schema.Calendar, 0, len(items))
	for _, it := range items {
		cal, err := it.toSchema()
		if err != nil {
			c.logger.Printf("Warning: %s: skipping calendar: %v", op, err)
			continue
		}
		cals = append(cals, cal)
	}
	return cals, nil
}

// FetchAllEvents returns every event of calendarID overlapping window, with
// recurring events expanded into occurrences.
func (c *Client) FetchAllEvents(ctx context.Context, cred schema.Credential, calendarID string, window schema.Window) ([]schema.Event, error) {
	op := "list events " + calendarID
	if err := window.Validate(); err != nil {
		return nil, &FetchError{Kind: Permanent, Op: op, Err: err}
	}

	q := url.Values{}
	q.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	q.Set("$select", eventFields)
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", strconv.Itoa(c.pageSize))
	first := c.baseURL + "/me/calendars/" + url.PathEscape(calendarID) + "/calendarView?" + q.Encode()

	items, err := fetchPages[apiEvent](ctx, c, op, cred, first)
	if err != nil {
		return nil, err
	}

	evs := make([]schema.Event, 0, len(items))
	for _, it := range items {
		ev, err := it.toSchema(calendarID)
		if err != nil {
			c.logger.Printf("Warning: %s: skipping event: %v", op, err)
			continue
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

// fetchPages follows continuation links from first and concatenates the
// value arrays. Any failing page fails the whole call.
func fetchPages[T any](ctx context.Context, c *Client, op string, cred schema.Credential, first string) ([]T, error) {
	var all []T
	seen := make(map[string]bool)

	next := first
	for pages := 0; next != ""; pages++ {
		if pages >= maxPages {
			return nil, &FetchError{Kind: Permanent, Op: op, Err: fmt.Errorf("more than %d pages", maxPages)}
		}
		if seen[next] {
			return nil, &FetchError{Kind: Permanent, Op: op, Err: errors.New("pagination loop detected")}
		}
		seen[next] = true

		var p page[T]
		if err := c.get(ctx, op, cred, next, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Value...)
		next = p.NextLink
	}

	c.logger.Printf("%s: %d items", op, len(all))
	return all, nil
}

func (c *Client) get(ctx context.Context, op string, cred schema.Credential, u string, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if k := KindOf(err); k != 0 {
			outcome = k.String()
		}
		metrics.ObserveFetch(opLabel(op), outcome, start)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &FetchError{Kind: Transient, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &FetchError{Kind: Permanent, Op: op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC", outlook.body-content-type="text"`)

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTransportError(err) {
			return &FetchError{Kind: Transient, Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
		}
		return &FetchError{Kind: Permanent, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func statusError(op string, resp *http.Response) *FetchError {
	fe := &FetchError{Op: op, StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Code != "" {
		fe.Code = ae.Error.Code
		fe.Err = errors.New(ae.Error.Message)
	} else {
		fe.Err = errors.New(http.StatusText(resp.StatusCode))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		fe.Kind = Unauthorized
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		fe.Kind = Transient
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	default:
		fe.Kind = Permanent
	}
	return fe
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func isTransportError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// opLabel drops the calendar id so metric cardinality stays bounded.
func opLabel(op string) string {
	if strings.HasPrefix(op, "list events") {
		return "list events"
	}
	return op
}
