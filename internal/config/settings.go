package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownSetting is returned for names that are neither defined nor
	// valid placeholder names.
	ErrUnknownSetting = errors.New("unrecognized configuration parameter")

	// ErrPermissionDenied is returned when the role may not change a setting.
	ErrPermissionDenied = errors.New("permission denied to set parameter")

	// ErrInvalidValue is returned when a value cannot be parsed.
	ErrInvalidValue = errors.New("invalid value for parameter")
)

// Context controls who may change a setting and when.
type Context int

const (
	// ContextPostmaster settings are fixed at server start.
	ContextPostmaster Context = iota

	// ContextSuperuser settings may be changed at runtime by superusers.
	ContextSuperuser

	// ContextUser settings may be changed at runtime by any role.
	ContextUser
)

func (c Context) String() string {
	switch c {
	case ContextPostmaster:
		return "postmaster"
	case ContextSuperuser:
		return "superuser"
	case ContextUser:
		return "user"
	}
	return fmt.Sprintf("context(%d)", int(c))
}

// Role is the privilege level of the session changing a setting.
type Role int

const (
	RoleUser Role = iota
	RoleSuperuser
)

func (r Role) String() string {
	if r == RoleSuperuser {
		return "superuser"
	}
	return "user"
}

// ParseRole converts a role name from configuration files.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return RoleUser, nil
	case "superuser":
		return RoleSuperuser, nil
	}
	return RoleUser, fmt.Errorf("unknown role %q", s)
}

// BoolSetting is a defined boolean parameter.
// Get is a single atomic load and safe to call from hot paths.
type BoolSetting struct {
	name        string
	description string
	def         bool
	context     Context
	value       atomic.Bool
}

// Name returns the parameter name.
func (b *BoolSetting) Name() string { return b.name }

// Description returns the one-line description given at definition.
func (b *BoolSetting) Description() string { return b.description }

// Context returns who may change the parameter.
func (b *BoolSetting) Context() Context { return b.context }

// Default returns the boot value.
func (b *BoolSetting) Default() bool { return b.def }

// Get returns the current value.
func (b *BoolSetting) Get() bool { return b.value.Load() }

// Settings is the server's registry of runtime parameters.
//
// Names containing a dot belong to extensions. Values assigned to such names
// before the extension defines them are kept as placeholders and applied at
// definition time.
type Settings struct {
	mu           sync.RWMutex
	bools        map[string]*BoolSetting
	placeholders map[string]string
}

// NewSettings creates an empty registry.
func NewSettings() *Settings {
	return &Settings{
		bools:        make(map[string]*BoolSetting),
		placeholders: make(map[string]string),
	}
}

// DefineBool defines a boolean parameter, or returns the existing one if the
// name is already defined. A pending placeholder value is applied; an
// unparsable placeholder is discarded and the default is kept.
func (s *Settings) DefineBool(name, description string, def bool, ctx Context) *BoolSetting {
	key := normalizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bools[key]; ok {
		return existing
	}

	b := &BoolSetting{
		name:        key,
		description: description,
		def:         def,
		context:     ctx,
	}
	b.value.Store(def)

	if raw, ok := s.placeholders[key]; ok {
		delete(s.placeholders, key)
		if v, err := ParseBool(raw); err == nil {
			b.value.Store(v)
		}
	}

	s.bools[key] = b
	return b
}

// Lookup returns a defined boolean parameter.
func (s *Settings) Lookup(name string) (*BoolSetting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bools[normalizeName(name)]
	return b, ok
}

// Set assigns a value on behalf of role.
func (s *Settings) Set(name, raw string, role Role) error {
	key := normalizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bools[key]
	if !ok {
		if !isCustomName(key) {
			return fmt.Errorf("%w %q", ErrUnknownSetting, name)
		}
		s.placeholders[key] = raw
		return nil
	}

	if err := checkPermission(b, role); err != nil {
		return err
	}

	v, err := ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %q", ErrInvalidValue, key, raw)
	}
	b.value.Store(v)
	return nil
}

// Reset restores a parameter to its default on behalf of role.
func (s *Settings) Reset(name string, role Role) error {
	key := normalizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bools[key]
	if !ok {
		if _, pending := s.placeholders[key]; pending {
			delete(s.placeholders, key)
			return nil
		}
		return fmt.Errorf("%w %q", ErrUnknownSetting, name)
	}

	if err := checkPermission(b, role); err != nil {
		return err
	}
	b.value.Store(b.def)
	return nil
}

// Show renders the current value the way SHOW prints it.
func (s *Settings) Show(name string) (string, error) {
	key := normalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.bools[key]; ok {
		return FormatBool(b.Get()), nil
	}
	if raw, ok := s.placeholders[key]; ok {
		return raw, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownSetting, name)
}

// Names returns all defined parameter names in sorted order.
func (s *Settings) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.bools))
	for name := range s.bools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyFile assigns every value from a config file with superuser rights,
// as the host does when it reads its configuration at startup.
func (s *Settings) ApplyFile(values map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.Set(name, values[name], RoleSuperuser); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func checkPermission(b *BoolSetting, role Role) error {
	switch b.context {
	case ContextPostmaster:
		return fmt.Errorf("%w %q: can only be set at server start", ErrPermissionDenied, b.name)
	case ContextSuperuser:
		if role != RoleSuperuser {
			return fmt.Errorf("%w %q", ErrPermissionDenied, b.name)
		}
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isCustomName(name string) bool {
	dot := strings.IndexByte(name, '.')
	return dot > 0 && dot < len(name)-1
}

// ParseBool accepts the boolean spellings the host's SET command accepts:
// on/off, true/false, yes/no, 1/0 and unambiguous prefixes of them.
func ParseBool(raw string) (bool, error) {
	v := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "'"))
	if v == "" {
		return false, fmt.Errorf("%w: empty", ErrInvalidValue)
	}

	switch v {
	case "1", "on":
		return true, nil
	case "0", "of", "off":
		return false, nil
	}

	for _, word := range []string{"true", "yes"} {
		if strings.HasPrefix(word, v) {
			return true, nil
		}
	}
	for _, word := range []string{"false", "no"} {
		if strings.HasPrefix(word, v) {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidValue, raw)
}

// FormatBool renders a boolean as on/off.
func FormatBool(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
