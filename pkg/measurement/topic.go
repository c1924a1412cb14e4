package measurement

import (
	"strings"
)

// NormalizeTopic derives the measurement namespace from a broker topic by
// dropping everything up to and including the first '/'. A topic without a
// separator is already a namespace and is returned unchanged.
func NormalizeTopic(topic string) string {
	if _, post, found := strings.Cut(topic, "/"); found {
		return post
	}
	return topic
}

// SubscriptionFilters expands a comma-separated topic list into the filters to
// subscribe to, each joined with prefix. Whitespace around entries is ignored
// and empty entries are dropped.
func SubscriptionFilters(prefix, topics string) []string {
	var filters []string
	for _, t := range strings.Split(topics, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		filters = append(filters, prefix+t)
	}
	return filters
}
