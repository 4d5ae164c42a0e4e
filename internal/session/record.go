package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hash fields of the primary record.
const (
	fieldCreatedAt      = "created_at"
	fieldLastAccessedAt = "last_accessed_at"
	fieldMaxInactive    = "max_inactive_ms"
	attrPrefix          = "attr:"
)

func attrField(name string) string {
	return attrPrefix + name
}

// encodeMeta returns the metadata fields of s.
func encodeMeta(s *Session) map[string]string {
	return map[string]string{
		fieldCreatedAt:      strconv.FormatInt(s.creationTime.UnixMilli(), 10),
		fieldLastAccessedAt: strconv.FormatInt(s.lastAccessedTime.UnixMilli(), 10),
		fieldMaxInactive:    strconv.FormatInt(s.maxInactive.Milliseconds(), 10),
	}
}

// encodeDelta returns the hash fields to set and the fields to delete for the
// given attribute names.
func encodeDelta(s *Session, names []string, codec Codec) (map[string]string, []string, error) {
	set := make(map[string]string, len(names))
	var del []string
	for _, name := range names {
		v, ok := s.attrs[name]
		if !ok {
			del = append(del, attrField(name))
			continue
		}
		data, err := codec.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("session: encode attribute %q: %w", name, err)
		}
		set[attrField(name)] = string(data)
	}
	return set, del, nil
}

// decodeRecord rebuilds a session from its stored hash. Any missing or
// malformed field yields ErrCorruptRecord.
func decodeRecord(id string, fields map[string]string, codec Codec) (*Session, error) {
	created, err := millisField(fields, fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	accessed, err := millisField(fields, fieldLastAccessedAt)
	if err != nil {
		return nil, err
	}
	raw, ok := fields[fieldMaxInactive]
	if !ok {
		return nil, fmt.Errorf("%w: %s missing", ErrCorruptRecord, fieldMaxInactive)
	}
	maxMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, fieldMaxInactive, err)
	}

	s := &Session{
		id:               id,
		originalID:       id,
		creationTime:     created,
		lastAccessedTime: accessed,
		maxInactive:      time.Duration(maxMs) * time.Millisecond,
		attrs:            make(map[string]any),
		delta:            make(map[string]struct{}),
	}
	for k, v := range fields {
		if !strings.HasPrefix(k, attrPrefix) {
			continue
		}
		name := strings.TrimPrefix(k, attrPrefix)
		val, err := codec.Unmarshal([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %q: %v", ErrCorruptRecord, name, err)
		}
		s.attrs[name] = val
	}
	s.originalPrincipal = s.Principal()
	return s, nil
}

func millisField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s missing", ErrCorruptRecord, name)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, name, err)
	}
	return time.UnixMilli(ms), nil
}
