package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
	"golang.org/x/time/rate"
)

// Config holds settings for the HTTP message-export client
type Config struct {
	BaseURL           string        `toml:"base_url"`
	Token             string        `toml:"token"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
	PageSize          int           `toml:"page_size"`
	Timeout           time.Duration `toml:"timeout"`
	MaxAttachmentSize int64         `toml:"max_attachment_size"`
}

// DefaultConfig returns client defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8090",
		RequestsPerSecond: 5,
		Burst:             1,
		PageSize:          100,
		Timeout:           30 * time.Second,
		MaxAttachmentSize: 20 << 20,
	}
}

// Validate checks the client settings
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("channel base_url must be specified")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("channel base_url is invalid: %w", err)
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("channel requests_per_second must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("channel page_size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("channel timeout must be positive")
	}
	return nil
}

// HTTPSource reads channels from a message-export HTTP API:
//
//	GET {base}/channels/{id}/messages?date=YYYY-MM-DD&limit=N&offset=K
//	  -> {"messages": [...], "next_offset": K|null}
//
// Attachments are fetched from the media URL each message carries.
type HTTPSource struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPSource creates a rate-limited client
func NewHTTPSource(config Config, logger *slog.Logger) *HTTPSource {
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPSource{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst),
		logger:  logger,
	}
}

type messagePage struct {
	Messages   []json.RawMessage `json:"messages"`
	NextOffset *int              `json:"next_offset"`
}

// Messages implements Source
func (s *HTTPSource) Messages(ctx context.Context, sourceID string, b bucket.Bucket, limit int, fn func(Message) error) error {
	offset := 0
	delivered := 0

	for {
		pageSize := s.config.PageSize
		if limit > 0 && limit-delivered < pageSize {
			pageSize = limit - delivered
		}

		q := url.Values{}
		q.Set("date", b.String())
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))
		endpoint := strings.TrimRight(s.config.BaseURL, "/") + "/channels/" + url.PathEscape(sourceID) + "/messages?" + q.Encode()

		body, err := s.get(ctx, endpoint, 0)
		if err != nil {
			return errors.Wrapf(err, "fetch %s page at offset %d", sourceID, offset)
		}

		var page messagePage
		if err := json.Unmarshal(body, &page); err != nil {
			// A truncated body is indistinguishable from a dropped connection.
			return MarkTransient(errors.Wrapf(err, "decode %s page at offset %d", sourceID, offset))
		}

		for _, raw := range page.Messages {
			m, err := decodeMessage(raw)
			if err != nil {
				s.logger.Warn("skipping undecodable message",
					"source_id", sourceID,
					"time_bucket", b.String(),
					"error", err)
				continue
			}
			if err := fn(m); err != nil {
				return err
			}
			delivered++
			if limit > 0 && delivered >= limit {
				return nil
			}
		}

		if page.NextOffset == nil || len(page.Messages) == 0 {
			return nil
		}
		if *page.NextOffset <= offset {
			return errors.Newf("%s page at offset %d returned next_offset %d", sourceID, offset, *page.NextOffset)
		}
		offset = *page.NextOffset
	}
}

// Download implements Source
func (s *HTTPSource) Download(ctx context.Context, m Message, w io.Writer) error {
	if !m.HasPhoto() {
		return errors.Newf("message %s has no photo", m.ID)
	}

	body, err := s.get(ctx, m.Media.URL, s.config.MaxAttachmentSize)
	if err != nil {
		return errors.Wrapf(err, "download media for message %s", m.ID)
	}

	_, err = w.Write(body)
	return err
}

func (s *HTTPSource) get(ctx context.Context, endpoint string, maxSize int64) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, MarkTransient(err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if maxSize > 0 {
		reader = io.LimitReader(resp.Body, maxSize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, MarkTransient(err)
	}

	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(truncate(body, 256)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, MarkTransient(err)
		}
		return nil, err
	}

	if maxSize > 0 && int64(len(body)) > maxSize {
		return nil, errors.Newf("response exceeds %d bytes", maxSize)
	}

	return body, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// decodeMessage keeps the full payload and lifts the fields the pipeline uses
func decodeMessage(raw json.RawMessage) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return Message{}, err
	}

	m := Message{Raw: payload}

	switch id := payload["id"].(type) {
	case json.Number:
		m.ID = id.String()
	case string:
		m.ID = id
	}
	if m.ID == "" {
		return Message{}, errors.New("message has no id")
	}

	if text, ok := payload["text"].(string); ok {
		m.Text = text
	}
	if views, ok := payload["views"].(json.Number); ok {
		if n, err := views.Int64(); err == nil {
			m.Views = int(n)
		}
	}
	if date, ok := payload["date"].(string); ok {
		if t, err := time.Parse(time.RFC3339, date); err == nil {
			m.PostedAt = t.UTC()
		}
	}
	if media, ok := payload["media"].(map[string]any); ok {
		m.Media = &Media{}
		m.Media.Type, _ = media["type"].(string)
		m.Media.URL, _ = media["url"].(string)
		m.Media.MimeType, _ = media["mime_type"].(string)
	}

	return m, nil
}
