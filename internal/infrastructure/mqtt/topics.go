package mqtt

import (
	"fmt"
	"strings"
)

// validatePublishTopic rejects topics a broker would refuse for PUBLISH:
// empty topics and topics containing wildcards.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	return nil
}

// validateFilter checks wildcard placement in a subscription filter.
// + must occupy a whole level and # must be the whole last level.
func validateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has # before the last level", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q mixes a wildcard into level %q", ErrInvalidTopic, filter, level)
		}
	}
	return nil
}
