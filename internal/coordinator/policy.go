package coordinator

import (
	"maps"
	"slices"

	"festival-live-backend/config"
)

// Policy is the static topic table deciding which updates also go out as
// push notifications, and with what text.
type Policy map[string]config.TopicConfig

func NewPolicy(topics map[string]config.TopicConfig) Policy {
	if len(topics) == 0 {
		topics = config.DefaultTopics()
	}
	return Policy(maps.Clone(topics))
}

// Lookup returns the entry for topic. Unknown topics are live-only.
func (p Policy) Lookup(topic string) (config.TopicConfig, bool) {
	tc, ok := p[topic]
	return tc, ok
}

// Topics lists known topic names in order.
func (p Policy) Topics() []string {
	return slices.Sorted(maps.Keys(p))
}
