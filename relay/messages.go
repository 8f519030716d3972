package relay

import (
	"encoding/json"
	"fmt"

	"strom/models"
)

// Nostr frames are positional JSON arrays:
//
//	client: ["REQ", subID, filter], ["CLOSE", subID]
//	relay:  ["EVENT", subID, event], ["EOSE", subID],
//	        ["CLOSED", subID, reason], ["NOTICE", message]
type frame struct {
	Type   string
	SubID  string
	Item   models.ContentItem
	Notice string
}

// wireEvent carries the fields the engine extracts at ingestion. The full
// raw event becomes the opaque payload.
type wireEvent struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
}

// encodeReq builds a ["REQ", subID, filter] frame. Tag filters are encoded
// as "#<name>" keys per the relay protocol.
func encodeReq(subID string, f models.Filter) ([]byte, error) {
	body := map[string]interface{}{}
	if len(f.IDs) > 0 {
		body["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		body["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		body["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			body["#"+name] = values
		}
	}
	if f.Since != nil {
		body["since"] = int64(*f.Since)
	}
	if f.Until != nil {
		body["until"] = int64(*f.Until)
	}
	if f.Limit > 0 {
		body["limit"] = f.Limit
	}
	return json.Marshal([]interface{}{"REQ", subID, body})
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

// decodeFrame parses one relay message. Unknown frame types are returned
// as-is with only Type set so callers can skip them.
func decodeFrame(data []byte) (frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if len(parts) == 0 {
		return frame{}, fmt.Errorf("empty frame")
	}

	var fr frame
	if err := json.Unmarshal(parts[0], &fr.Type); err != nil {
		return frame{}, fmt.Errorf("malformed frame type: %w", err)
	}

	switch fr.Type {
	case "EVENT":
		if len(parts) < 3 {
			return frame{}, fmt.Errorf("EVENT frame missing payload")
		}
		if err := json.Unmarshal(parts[1], &fr.SubID); err != nil {
			return frame{}, fmt.Errorf("malformed sub id: %w", err)
		}
		var ev wireEvent
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return frame{}, fmt.Errorf("malformed event: %w", err)
		}
		if ev.ID == "" {
			return frame{}, fmt.Errorf("event without id")
		}
		fr.Item = models.ContentItem{
			ID:        ev.ID,
			Author:    ev.Pubkey,
			Kind:      ev.Kind,
			CreatedAt: models.Timestamp(ev.CreatedAt),
			Tags:      ev.Tags,
			Payload:   append(json.RawMessage(nil), parts[2]...),
		}
	case "EOSE", "CLOSED":
		if len(parts) > 1 {
			if err := json.Unmarshal(parts[1], &fr.SubID); err != nil {
				return frame{}, fmt.Errorf("malformed sub id: %w", err)
			}
		}
		if fr.Type == "CLOSED" && len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &fr.Notice)
		}
	case "NOTICE":
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &fr.Notice)
		}
	}

	return fr, nil
}
