package session

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxInactiveInterval is applied to new sessions when the repository
// is not configured otherwise.
const DefaultMaxInactiveInterval = 30 * time.Minute

// PrincipalNameAttribute is the attribute whose value is indexed for
// FindByPrincipal.
const PrincipalNameAttribute = "principal_name"

// SaveMode decides which attributes are written back on Save.
type SaveMode int

const (
	// SaveOnSetAttribute writes only attributes changed through SetAttribute
	// or RemoveAttribute.
	SaveOnSetAttribute SaveMode = iota

	// SaveOnGetAttribute also writes back attributes that were read, which
	// protects values mutated in place after Attribute returned them.
	SaveOnGetAttribute

	// SaveAlways writes every attribute on every save.
	SaveAlways
)

var saveModeNames = map[SaveMode]string{
	SaveOnSetAttribute: "on_set_attribute",
	SaveOnGetAttribute: "on_get_attribute",
	SaveAlways:         "always",
}

func (m SaveMode) String() string {
	if name, ok := saveModeNames[m]; ok {
		return name
	}
	return "SaveMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseSaveMode maps a configuration name such as "on_set_attribute" to its
// SaveMode.
func ParseSaveMode(name string) (SaveMode, error) {
	for mode, n := range saveModeNames {
		if n == name {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("session: unknown save mode %q", name)
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// Session is the in-memory view of one session: its attributes, metadata and
// the set of changes not yet persisted. A Session is not safe for concurrent
// use; the repository hands every caller its own copy.
type Session struct {
	id               string
	originalID       string
	creationTime     time.Time
	lastAccessedTime time.Time
	maxInactive      time.Duration
	attrs            map[string]any

	// delta holds attribute names whose current value (or absence) must be
	// written on the next save.
	delta     map[string]struct{}
	metaDirty bool
	isNew     bool

	saveMode SaveMode
	now      func() time.Time

	// persisted state the repository needs to move index entries.
	originalPrincipal string
}

func newSession(id string, now time.Time, maxInactive time.Duration, mode SaveMode, clock func() time.Time) *Session {
	return &Session{
		id:               id,
		originalID:       id,
		creationTime:     now,
		lastAccessedTime: now,
		maxInactive:      maxInactive,
		attrs:            make(map[string]any),
		delta:            make(map[string]struct{}),
		metaDirty:        true,
		isNew:            true,
		saveMode:         mode,
		now:              clock,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreationTime returns when the session was created.
func (s *Session) CreationTime() time.Time { return s.creationTime }

// LastAccessedTime returns the last access or mutation time.
func (s *Session) LastAccessedTime() time.Time { return s.lastAccessedTime }

// MaxInactiveInterval returns the idle time after which the session expires.
// A negative interval means the session never expires.
func (s *Session) MaxInactiveInterval() time.Duration { return s.maxInactive }

// IsNew reports whether the session has never been saved.
func (s *Session) IsNew() bool { return s.isNew }

// SetLastAccessedTime records an access. Times before the creation time are
// clamped to it.
func (s *Session) SetLastAccessedTime(t time.Time) {
	if t.Before(s.creationTime) {
		t = s.creationTime
	}
	s.lastAccessedTime = t
	s.metaDirty = true
}

// SetMaxInactiveInterval changes the expiration policy of this session only.
// It takes effect on the next save.
func (s *Session) SetMaxInactiveInterval(d time.Duration) {
	s.maxInactive = d
	s.metaDirty = true
}

// Attribute returns the value stored under name.
func (s *Session) Attribute(name string) (any, bool) {
	v, ok := s.attrs[name]
	if ok && s.saveMode == SaveOnGetAttribute {
		s.delta[name] = struct{}{}
	}
	return v, ok
}

// SetAttribute stores value under name. A nil value removes the attribute.
func (s *Session) SetAttribute(name string, value any) {
	if value == nil {
		s.RemoveAttribute(name)
		return
	}
	s.attrs[name] = value
	s.delta[name] = struct{}{}
	s.touch()
}

// RemoveAttribute deletes name from the session.
func (s *Session) RemoveAttribute(name string) {
	delete(s.attrs, name)
	s.delta[name] = struct{}{}
	s.touch()
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() []string {
	names := make([]string, 0, len(s.attrs))
	for name := range s.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsExpired reports whether the session has been idle longer than its
// interval at now.
func (s *Session) IsExpired(now time.Time) bool {
	if s.maxInactive < 0 {
		return false
	}
	return now.Sub(s.lastAccessedTime) > s.maxInactive
}

// ExpiresAt returns the instant after which the session is expired. The
// boolean is false for sessions that never expire.
func (s *Session) ExpiresAt() (time.Time, bool) {
	if s.maxInactive < 0 {
		return time.Time{}, false
	}
	return s.lastAccessedTime.Add(s.maxInactive), true
}

// ChangeID gives the session a new id, for example after a privilege change.
// The old id is removed from the store on the next save.
func (s *Session) ChangeID() string {
	s.id = NewID()
	return s.id
}

// Principal returns the indexed principal name, if the attribute is a string.
func (s *Session) Principal() string {
	name, _ := s.attrs[PrincipalNameAttribute].(string)
	return name
}

func (s *Session) touch() {
	if s.now == nil {
		return
	}
	s.SetLastAccessedTime(s.now())
}

// pendingAttributes returns the attribute names to write on the next save.
func (s *Session) pendingAttributes() []string {
	if s.isNew || s.saveMode == SaveAlways {
		names := make([]string, 0, len(s.attrs)+len(s.delta))
		for name := range s.attrs {
			names = append(names, name)
		}
		for name := range s.delta {
			if _, ok := s.attrs[name]; !ok {
				names = append(names, name)
			}
		}
		return names
	}
	names := make([]string, 0, len(s.delta))
	for name := range s.delta {
		names = append(names, name)
	}
	return names
}

// markSaved resets dirty tracking after a successful save.
func (s *Session) markSaved() {
	s.delta = make(map[string]struct{})
	s.metaDirty = false
	s.isNew = false
	s.originalID = s.id
	s.originalPrincipal = s.Principal()
}

// clone returns a deep-enough copy for event snapshots: the attribute map is
// copied, attribute values are shared.
func (s *Session) clone() *Session {
	c := *s
	c.attrs = make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		c.attrs[k] = v
	}
	c.delta = make(map[string]struct{})
	return &c
}
