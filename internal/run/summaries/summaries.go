// Package summaries extracts agent messages and "thinking" summaries from a
// run's raw event log.
package summaries

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/codexd/codexd/internal/run/models"
)

// Item is one extracted message or summary with its event timestamp.
type Item struct {
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text"`
}

// deltaPayload is the slice of a notification params object the extractors
// read.
type deltaPayload struct {
	Delta string `json:"delta"`
	Item  struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

func decodeNotification(env models.EventEnvelope) (string, deltaPayload, bool) {
	if env.Type != models.EventCodexNotification {
		return "", deltaPayload{}, false
	}
	var data models.NotificationData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", deltaPayload{}, false
	}
	var payload deltaPayload
	if len(data.Params) > 0 {
		_ = json.Unmarshal(data.Params, &payload)
	}
	return data.Method, payload, true
}

// AgentMessages returns the completed agent messages found in envs, oldest
// first, keeping at most count of the newest ones.
func AgentMessages(envs []models.EventEnvelope, count int) []Item {
	items := make([]Item, 0, 8)
	for _, env := range envs {
		method, payload, ok := decodeNotification(env)
		if !ok || method != "item/completed" {
			continue
		}
		if payload.Item.Type != "agentMessage" || payload.Item.Text == "" {
			continue
		}
		items = append(items, Item{CreatedAt: env.CreatedAt, Text: payload.Item.Text})
	}
	if count > 0 && len(items) > count {
		items = items[len(items)-count:]
	}
	return items
}

// ThinkingSummaries scans the delta stream in envs for reasoning summaries.
//
// Deltas between a "thinking" control marker and the closing "final" marker
// are considered, as are deltas that merely contain the word "thinking".
// Within a considered delta, every newline-split trimmed line that starts
// and ends with "**" (and is longer than the markers alone) yields the bold
// text as a summary. Consecutive duplicates collapse to one.
func ThinkingSummaries(envs []models.EventEnvelope) []Item {
	var (
		items      []Item
		inThinking bool
		last       string
	)
	for _, env := range envs {
		method, payload, ok := decodeNotification(env)
		if !ok {
			continue
		}
		switch method {
		case "item/agentMessage/delta",
			"item/reasoning/summaryTextDelta",
			"item/reasoning/textDelta":
		default:
			continue
		}
		delta := payload.Delta
		if delta == "" {
			continue
		}

		if strings.EqualFold(delta, "thinking") {
			inThinking = true
			continue
		}
		if strings.EqualFold(delta, "final") {
			inThinking = false
			continue
		}
		if !inThinking && !strings.Contains(strings.ToLower(delta), "thinking") {
			continue
		}

		for _, line := range strings.Split(delta, "\n") {
			line = strings.TrimSpace(line)
			if len(line) <= 4 || !strings.HasPrefix(line, "**") || !strings.HasSuffix(line, "**") {
				continue
			}
			text := strings.TrimSpace(line[2 : len(line)-2])
			if text == "" || text == last {
				continue
			}
			last = text
			items = append(items, Item{CreatedAt: env.CreatedAt, Text: text})
		}
	}
	return items
}
