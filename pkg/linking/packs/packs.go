// Package packs ships the built-in construction linking packs: bill line
// items, specification sections, and payment certificate lines. Each pack
// embeds the base utilities and declares its own evidence weights.
package packs

import (
	"strings"
	"time"

	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/store"
)

// All returns one instance of every built-in pack, ready to register.
func All() []linking.Pack {
	return []linking.Pack{
		NewLineItemPack(),
		NewSpecSectionPack(),
		NewPaymentCertPack(),
	}
}

func metaString(e *store.Entity, key string) string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata[key].(string); ok {
		return s
	}
	return ""
}

func metaFloat(e *store.Entity, key string) (float64, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func metaDate(e *store.Entity, key string) (time.Time, bool) {
	s := metaString(e, key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// normalizeCSI renders a MasterFormat code in canonical "dd dd dd" form.
func normalizeCSI(code string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, code)
	if len(digits) != 6 {
		return strings.TrimSpace(code)
	}
	return digits[0:2] + " " + digits[2:4] + " " + digits[4:6]
}

func pairKey(sourceID, targetID, linkType string) string {
	return sourceID + "|" + targetID + "|" + linkType
}
