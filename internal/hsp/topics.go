package hsp

import "strings"

// Topic scheme. Every topic is hsp/<kind>/<ai_id>[/<suffix>]; the broker
// stream for a topic is its first three segments, so a subscription to
// "hsp/results/<ai_id>/#" consumes the agent's result stream and filters
// per-message.
const (
	topicPrefix = "hsp"

	kindRequests   = "requests"
	kindResults    = "results"
	kindCapability = "capabilities"
	kindHeartbeat  = "heartbeats"

	// Wildcard matches any topic suffix below its prefix.
	Wildcard = "#"
)

// TopicTaskRequests is where an agent receives task requests.
func TopicTaskRequests(aiID string) string {
	return topicPrefix + "/" + kindRequests + "/" + aiID
}

// TopicTaskResults is the callback address for one request's result.
func TopicTaskResults(aiID, requestID string) string {
	return topicPrefix + "/" + kindResults + "/" + aiID + "/" + requestID
}

// TopicTaskResultsAll subscribes to every result addressed to an agent.
func TopicTaskResultsAll(aiID string) string {
	return topicPrefix + "/" + kindResults + "/" + aiID + "/" + Wildcard
}

// TopicCapabilities is where an agent publishes capability
// advertisements. Advertisements share one stream ("general") so a
// registry can consume every agent's announcements with one wildcard
// subscription.
func TopicCapabilities(aiID string) string {
	return topicPrefix + "/" + kindCapability + "/general/" + aiID
}

// TopicCapabilitiesAll subscribes to every agent's advertisements.
func TopicCapabilitiesAll() string {
	return topicPrefix + "/" + kindCapability + "/general/" + Wildcard
}

// TopicHeartbeats is where an agent publishes liveness heartbeats. Like
// advertisements, heartbeats share one stream.
func TopicHeartbeats(aiID string) string {
	return topicPrefix + "/" + kindHeartbeat + "/general/" + aiID
}

// TopicHeartbeatsAll subscribes to every agent's heartbeats.
func TopicHeartbeatsAll() string {
	return topicPrefix + "/" + kindHeartbeat + "/general/" + Wildcard
}

// StreamKey maps a topic or subscription pattern to its broker stream:
// the first three path segments.
func StreamKey(topic string) string {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) < 3 {
		return topic
	}
	return strings.Join(parts[:3], "/")
}

// MatchTopic reports whether a concrete topic matches a subscription
// pattern. A trailing "#" segment matches any suffix; all other segments
// must match exactly.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "/"+Wildcard) {
		prefix := strings.TrimSuffix(pattern, Wildcard)
		return strings.HasPrefix(topic, prefix)
	}
	return false
}
