package mqtt

import "strings"

// SystemStatusTopic carries the retained online/offline status of a client
// that was connected without WithWill.
const SystemStatusTopic = "graylogic/system/status"

// validateTopic checks a topic a message is published to. Wildcards are
// only allowed in subscriptions.
func validateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrWildcardTopic
	}
	return nil
}

// validateFilter checks a subscription filter: "+" must fill a whole level
// and "#" must be the whole last level.
func validateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return ErrInvalidFilter
		case level == "+" || level == "#":
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidFilter
		}
	}
	return nil
}
