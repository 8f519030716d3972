package models

import (
	"encoding/json"
	"time"
)

// Timestamp is a unix-seconds creation time as claimed by the author.
// Items may arrive out of timestamp order.
type Timestamp int64

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}

// ContentItem is one unit of streamed content. The payload is opaque to the
// aggregation engine; author, id and timestamp are extracted once at ingestion.
type ContentItem struct {
	ID        string          `json:"id"`
	Author    string          `json:"author"`
	Kind      int             `json:"kind"`
	CreatedAt Timestamp       `json:"createdAt"`
	Tags      [][]string      `json:"tags,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Batch is one delivery unit from a content stream. EndOfSync marks the end
// of the initial sync (relay EOSE); live streams keep delivering after it.
type Batch struct {
	Items     []ContentItem
	EndOfSync bool
}

// Snapshot is the read model published to the caller after every batch.
type Snapshot struct {
	Items   []ContentItem `json:"items"`
	Loading bool          `json:"loading"`
	Mode    string        `json:"mode"`
}
