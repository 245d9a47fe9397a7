// Package channel fetches messages and their media from external channels.
package channel

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
)

// ErrTransient marks failures worth retrying: timeouts, resets, 5xx and 429.
var ErrTransient = errors.New("transient channel error")

// Message is one item as delivered by a channel
type Message struct {
	ID       string
	PostedAt time.Time
	Text     string
	Views    int
	Media    *Media

	// Raw is the complete payload as delivered, before sanitization
	Raw map[string]any
}

// Media describes an attachment carried by a message
type Media struct {
	Type     string
	URL      string
	MimeType string
}

// HasPhoto reports whether the message carries a photo, the only
// attachment kind that is downloaded.
func (m Message) HasPhoto() bool {
	return m.Media != nil && m.Media.Type == "photo" && m.Media.URL != ""
}

// AttachmentExt returns the file extension an attachment is stored under
func (m Message) AttachmentExt() string {
	if m.Media == nil {
		return ".jpg"
	}
	if m.Media.MimeType != "" {
		if exts, _ := mime.ExtensionsByType(m.Media.MimeType); len(exts) > 0 {
			for _, ext := range exts {
				if ext == ".jpg" || ext == ".png" || ext == ".webp" || ext == ".gif" {
					return ext
				}
			}
			return exts[0]
		}
	}
	if ext := strings.ToLower(path.Ext(strings.SplitN(m.Media.URL, "?", 2)[0])); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".jpg"
}

// Source streams messages for a bucket and downloads their attachments
type Source interface {
	// Messages calls fn for each message of sourceID posted inside b, in
	// delivery order, stopping after limit messages when limit > 0.
	Messages(ctx context.Context, sourceID string, b bucket.Bucket, limit int, fn func(Message) error) error

	// Download writes the message's attachment to w.
	Download(ctx context.Context, m Message, w io.Writer) error
}

// MarkTransient tags err as retryable
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
