package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	mperrors "github.com/randalmurphal/mixpanel/pkg/mixpanel/errors"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/observability"
)

// DefaultServerURL is the public ingestion API.
const DefaultServerURL = "https://api.mixpanel.com"

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// HTTPSender posts batches as JSON arrays.
type HTTPSender struct {
	serverURL string
	client    *http.Client
	timeout   time.Duration
	gzip      bool
	userAgent string
	spans     observability.SpanManager
	logger    *slog.Logger
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds each request. Zero disables the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSender) { s.timeout = d }
}

// WithGzip compresses request bodies.
func WithGzip(enabled bool) HTTPOption {
	return func(s *HTTPSender) { s.gzip = enabled }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPSender) { s.userAgent = ua }
}

// WithSpanManager enables tracing of sends.
func WithSpanManager(sm observability.SpanManager) HTTPOption {
	return func(s *HTTPSender) {
		if sm != nil {
			s.spans = sm
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPSender) { s.logger = logger }
}

// NewHTTPSender creates a sender for serverURL. An empty URL uses
// DefaultServerURL.
func NewHTTPSender(serverURL string, opts ...HTTPOption) *HTTPSender {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	s := &HTTPSender{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    http.DefaultClient,
		timeout:   DefaultTimeout,
		userAgent: UserAgent,
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoint returns the full URL for kind.
func (s *HTTPSender) Endpoint(kind message.Kind) string {
	return s.serverURL + EndpointPath(kind) + "?verbose=1"
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, kind message.Kind, batch []message.Message) (err error) {
	if len(batch) == 0 {
		return nil
	}

	ctx, span := s.spans.StartSendSpan(ctx, kind.String(), len(batch))
	defer func() { s.spans.EndSpanWithError(span, err) }()

	endpoint := s.Endpoint(kind)

	body, err := s.encode(batch)
	if err != nil {
		return err
	}

	sendCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("User-Agent", s.userAgent)
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// The caller gave up; that is not a delivery failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &mperrors.TimeoutError{Operation: "POST " + endpoint, Duration: s.timeout.String()}
		}
		return &mperrors.NetworkError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &mperrors.NetworkError{Endpoint: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &mperrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
			Endpoint:   endpoint,
		}
	}

	if err := parseAck(data); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Debug("batch delivered",
			slog.String("kind", kind.String()),
			slog.Int("count", len(batch)),
			slog.Int("body_bytes", len(body)),
		)
	}
	return nil
}

func (s *HTTPSender) encode(batch []message.Message) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, &mperrors.SerializationError{Value: batch, Err: err}
	}
	if !s.gzip {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

// ack is the verbose response body.
type ack struct {
	Status *int   `json:"status"`
	Error  string `json:"error"`
}

// parseAck interprets a 2xx body. "1" and {"status":1} accept the batch;
// "0" and {"status":0} reject it. Anything else is treated as accepted.
func parseAck(data []byte) error {
	body := strings.TrimSpace(string(data))
	switch body {
	case "1", "":
		return nil
	case "0":
		return mperrors.ErrRejected
	}

	var a ack
	if err := json.Unmarshal([]byte(body), &a); err != nil || a.Status == nil {
		return nil
	}
	if *a.Status == 1 {
		return nil
	}
	if a.Error != "" {
		return fmt.Errorf("%w: %s", mperrors.ErrRejected, a.Error)
	}
	return mperrors.ErrRejected
}
