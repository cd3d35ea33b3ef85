package service

import (
	"fmt"
	"strings"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

// StatusMap translates provider status strings into message statuses.
// Provider strings missing from the map are recorded but never applied.
type StatusMap map[string]model.MessageStatus

func DefaultStatusMap() StatusMap {
	return StatusMap{
		"sent":        model.StatusSent,
		"delivered":   model.StatusDelivered,
		"read":        model.StatusRead,
		"failed":      model.StatusFailed,
		"undelivered": model.StatusFailed,
	}
}

// ParseStatusMap reads "provider=status" pairs separated by commas, e.g.
// "sent=sent,delivered=delivered,deleted=failed". An empty string yields
// the default map.
func ParseStatusMap(s string) (StatusMap, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultStatusMap(), nil
	}

	out := StatusMap{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("status map entry %q: expected provider=status", pair)
		}
		st := model.MessageStatus(strings.ToLower(strings.TrimSpace(v)))
		switch st {
		case model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed:
		default:
			return nil, fmt.Errorf("status map entry %q: unknown status %q", pair, st)
		}
		out[strings.ToLower(strings.TrimSpace(k))] = st
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("status map %q has no entries", s)
	}
	return out, nil
}

func (m StatusMap) Lookup(providerStatus string) (model.MessageStatus, bool) {
	st, ok := m[strings.ToLower(strings.TrimSpace(providerStatus))]
	return st, ok
}
