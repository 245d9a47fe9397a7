package db

import (
	"context"
	"sort"
	"strings"
)

// Curated tables are produced by the transform stage; the read API only
// ever queries these, never the raw tables.
var CuratedTables = []string{"dim_channels", "dim_dates", "fct_messages", "fct_image_detections"}

// MessageHit is one result of a keyword search
type MessageHit struct {
	ItemID      string `json:"message_id"`
	ChannelName string `json:"channel_name"`
	Text        string `json:"message_text"`
	Date        string `json:"date"`
	HasImage    bool   `json:"has_image"`
}

// ActivityPoint aggregates one channel's posts for one time bucket
type ActivityPoint struct {
	Date             string  `json:"date"`
	MessageCount     int     `json:"message_count"`
	ImageCount       int     `json:"image_count"`
	AvgMessageLength float64 `json:"avg_message_length"`
}

// DetectionHit is a detection joined with the message it came from
type DetectionHit struct {
	ItemID      string  `json:"message_id"`
	ChannelName string  `json:"channel_name"`
	ObjectClass string  `json:"detected_object"`
	Confidence  float64 `json:"confidence"`
	ImagePath   string  `json:"image_path"`
}

// ProductMention counts messages mentioning a product term
type ProductMention struct {
	Product      string   `json:"product_name"`
	MentionCount int      `json:"mention_count"`
	Channels     []string `json:"channels"`
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern matches term literally anywhere in lowercased text
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
}

// SearchMessages returns messages whose text contains term, newest first
func (db *DB) SearchMessages(ctx context.Context, term string, limit int) ([]MessageHit, error) {
	query := `
		SELECT fm.message_id, c.channel_name, fm.message_text, fm.date_key, fm.has_image
		FROM fct_messages fm
		JOIN dim_channels c ON fm.channel_id = c.channel_id
		WHERE LOWER(fm.message_text) LIKE ? ESCAPE '\'
		ORDER BY fm.date_key DESC, fm.message_id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), containsPattern(term), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []MessageHit{}
	for rows.Next() {
		var h MessageHit
		if err := rows.Scan(&h.ItemID, &h.ChannelName, &h.Text, &h.Date, &h.HasImage); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}

	return hits, rows.Err()
}

// ChannelActivity returns per-bucket posting activity for one channel, newest first
func (db *DB) ChannelActivity(ctx context.Context, channel string) ([]ActivityPoint, error) {
	query := `
		SELECT d.date_key,
		       COUNT(*),
		       COUNT(CASE WHEN fm.has_image THEN 1 END),
		       AVG(fm.message_length)
		FROM fct_messages fm
		JOIN dim_channels c ON fm.channel_id = c.channel_id
		JOIN dim_dates d ON fm.date_key = d.date_key
		WHERE c.channel_name = ?
		GROUP BY d.date_key
		ORDER BY d.date_key DESC
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []ActivityPoint{}
	for rows.Next() {
		var p ActivityPoint
		if err := rows.Scan(&p.Date, &p.MessageCount, &p.ImageCount, &p.AvgMessageLength); err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	return points, rows.Err()
}

// TopDetections lists detections ranked by confidence
func (db *DB) TopDetections(ctx context.Context, limit int) ([]DetectionHit, error) {
	query := `
		SELECT fid.message_id, c.channel_name, fid.detected_object_class, fid.confidence_score, fid.image_path
		FROM fct_image_detections fid
		JOIN dim_channels c ON fid.channel_id = c.channel_id
		ORDER BY fid.confidence_score DESC, fid.message_id ASC
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []DetectionHit{}
	for rows.Next() {
		var h DetectionHit
		if err := rows.Scan(&h.ItemID, &h.ChannelName, &h.ObjectClass, &h.Confidence, &h.ImagePath); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}

	return hits, rows.Err()
}

// ProductMentions counts messages mentioning each term and the channels they
// appeared in. Terms with no mentions are omitted.
func (db *DB) ProductMentions(ctx context.Context, terms []string, limit int) ([]ProductMention, error) {
	query := db.Rebind(`
		SELECT c.channel_name, COUNT(*)
		FROM fct_messages fm
		JOIN dim_channels c ON fm.channel_id = c.channel_id
		WHERE LOWER(fm.message_text) LIKE ? ESCAPE '\'
		GROUP BY c.channel_name
		ORDER BY c.channel_name
	`)

	mentions := []ProductMention{}
	for _, term := range terms {
		rows, err := db.QueryContext(ctx, query, containsPattern(term))
		if err != nil {
			return nil, err
		}

		m := ProductMention{Product: term, Channels: []string{}}
		for rows.Next() {
			var channel string
			var n int
			if err := rows.Scan(&channel, &n); err != nil {
				rows.Close()
				return nil, err
			}
			m.Channels = append(m.Channels, channel)
			m.MentionCount += n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}

		if m.MentionCount > 0 {
			mentions = append(mentions, m)
		}
	}

	sort.SliceStable(mentions, func(i, j int) bool {
		return mentions[i].MentionCount > mentions[j].MentionCount
	})
	if limit > 0 && len(mentions) > limit {
		mentions = mentions[:limit]
	}

	return mentions, nil
}
