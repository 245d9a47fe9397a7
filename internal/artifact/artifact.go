// Package artifact stores the immutable on-disk batches produced by ingestion.
//
// Layout under the store root:
//
//	<bucket>/<source>.json          sanitized items for one source and bucket
//	<bucket>/<source>_images/<id>.* attachments named by item id
//
// An artifact file carries its own source id and bucket; nothing downstream
// recovers them from the path.
package artifact

import (
	"time"

	"github.com/livinlefevreloca/channelpipe/internal/bucket"
)

// Key addresses one artifact
type Key struct {
	SourceID string
	Bucket   bucket.Bucket
}

func (k Key) String() string {
	return k.SourceID + "@" + k.Bucket.String()
}

// Item is one sanitized record from a source
type Item struct {
	ItemID     string         `json:"item_id"`
	SourceID   string         `json:"source_id"`
	TimeBucket bucket.Bucket  `json:"time_bucket"`
	PostedAt   *time.Time     `json:"posted_at,omitempty"`
	Text       string         `json:"text"`
	Views      int            `json:"views,omitempty"`
	Payload    map[string]any `json:"payload"`

	// AttachmentRef is the store-relative path of the downloaded attachment.
	// Empty when the item had none or its download failed.
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// HasAttachment reports whether the item carries a downloaded attachment
func (i Item) HasAttachment() bool {
	return i.AttachmentRef != ""
}

// Artifact is the durable result of ingesting one source for one bucket
type Artifact struct {
	SourceID   string        `json:"source_id"`
	TimeBucket bucket.Bucket `json:"time_bucket"`
	FetchedAt  time.Time     `json:"fetched_at"`
	Items      []Item        `json:"items"`
}

// Key returns the artifact's address
func (a *Artifact) Key() Key {
	return Key{SourceID: a.SourceID, Bucket: a.TimeBucket}
}

// Attachments returns the attachment references of the artifact's items in item order
func (a *Artifact) Attachments() []AttachmentRef {
	var refs []AttachmentRef
	for _, item := range a.Items {
		if !item.HasAttachment() {
			continue
		}
		refs = append(refs, AttachmentRef{
			Ref:      item.AttachmentRef,
			ItemID:   item.ItemID,
			SourceID: a.SourceID,
			Bucket:   a.TimeBucket,
		})
	}
	return refs
}

// AttachmentRef identifies a downloaded attachment together with the keys it belongs to
type AttachmentRef struct {
	Ref      string
	ItemID   string
	SourceID string
	Bucket   bucket.Bucket
}
