package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"user_id":       {},
	"authorization": {},
	"password":      {},
}

// SafeAttributes drops attributes that would leak identities into traces.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attribute.Key(strings.ToLower(string(attr.Key)))]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces err to its message so wrapped values are not recorded.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(err.Error())
}
