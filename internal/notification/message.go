package notification

import "encoding/json"

// MaxPayloadSize keeps encoded messages under the 4 KiB web push record
// once encryption overhead is added.
const MaxPayloadSize = 3000

// Message is the JSON document the service worker receives.
type Message struct {
	Title string          `json:"title"`
	Body  string          `json:"body,omitempty"`
	Topic string          `json:"topic"`
	URL   string          `json:"url,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals the message, dropping Data when the result would not fit
// in a push record. The service worker then fetches current state itself.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) <= MaxPayloadSize || len(m.Data) == 0 {
		return b, nil
	}
	m.Data = nil
	return json.Marshal(m)
}
