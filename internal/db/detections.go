package db

import (
	"context"
)

// InsertDetection writes a detection, ignoring duplicates of
// (attachment_ref, object_class, bbox). Returns true if a row was written.
func InsertDetection(ctx context.Context, q Querier, d *Detection) (bool, error) {
	query := `
		INSERT INTO image_detections
			(attachment_ref, item_id, object_class, confidence, bbox_x1, bbox_y1, bbox_x2, bbox_y2, source_id, time_bucket, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (attachment_ref, object_class, bbox_x1, bbox_y1, bbox_x2, bbox_y2) DO NOTHING
	`

	res, err := q.ExecContext(ctx, q.Rebind(query),
		d.AttachmentRef,
		d.ItemID,
		d.ObjectClass,
		d.Confidence,
		d.X1, d.Y1, d.X2, d.Y2,
		d.SourceID,
		d.TimeBucket,
		d.CreatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkScanned records that an attachment has been classified
func MarkScanned(ctx context.Context, q Querier, s *ScannedAttachment) error {
	query := `
		INSERT INTO scanned_attachments (attachment_ref, source_id, time_bucket, detections, scanned_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (attachment_ref) DO NOTHING
	`

	_, err := q.ExecContext(ctx, q.Rebind(query),
		s.AttachmentRef,
		s.SourceID,
		s.TimeBucket,
		s.Detections,
		s.ScannedAt,
	)
	return err
}

// ScannedAttachmentRefs returns the set of attachments already classified
func (db *DB) ScannedAttachmentRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT attachment_ref FROM scanned_attachments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs[ref] = true
	}

	return refs, rows.Err()
}

// GetDetections retrieves all detections for an attachment, highest confidence first
func (db *DB) GetDetections(ctx context.Context, attachmentRef string) ([]Detection, error) {
	query := `
		SELECT attachment_ref, item_id, object_class, confidence, bbox_x1, bbox_y1, bbox_x2, bbox_y2, source_id, time_bucket, created_at
		FROM image_detections
		WHERE attachment_ref = ?
		ORDER BY confidence DESC
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), attachmentRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var d Detection
		err := rows.Scan(
			&d.AttachmentRef,
			&d.ItemID,
			&d.ObjectClass,
			&d.Confidence,
			&d.X1, &d.Y1, &d.X2, &d.Y2,
			&d.SourceID,
			&d.TimeBucket,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		detections = append(detections, d)
	}

	return detections, rows.Err()
}

// CountDetections returns the number of stored detections
func (db *DB) CountDetections(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_detections`).Scan(&n)
	return n, err
}
