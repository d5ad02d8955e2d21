package outbox

import (
	"fmt"
	"strings"
)

// dedupeFields are payload fields that identify the business fact behind an
// event. Order matters: it fixes the layout of the derived key.
var dedupeFields = []string{
	"order_id",
	"otp_id",
	"application_id",
	"provider_id",
	"branch_id",
	"campaign_id",
	"customer_id",
	"status",
}

// DefaultDedupeKey derives a dedupe key from recognizable payload fields so
// trivially identical repeats collapse. It returns nil when the payload has
// no identifying field; "status" alone never identifies an event.
func DefaultDedupeKey(payload map[string]any) *string {
	var parts []string
	identified := false
	for _, field := range dedupeFields {
		v, ok := scalar(payload[field])
		if !ok {
			continue
		}
		if field != "status" {
			identified = true
		}
		parts = append(parts, field+"="+v)
	}
	if !identified {
		return nil
	}
	key := "auto:" + strings.Join(parts, "|")
	return &key
}

// EffectiveDedupeKey prefers the caller's key and falls back to the derived one.
func EffectiveDedupeKey(supplied *string, payload map[string]any) *string {
	if supplied != nil && strings.TrimSpace(*supplied) != "" {
		return supplied
	}
	return DefaultDedupeKey(payload)
}

func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case fmt.Stringer:
		return val.String(), true
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(val), true
	default:
		return "", false
	}
}
