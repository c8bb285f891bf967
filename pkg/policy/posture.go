package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// Domain names a part of the decision path that can fail open or closed.
type Domain string

const (
	// DomainConditions governs flow conditions the evaluator does not recognise.
	// Fail-open treats them as satisfied, fail-closed as violated.
	DomainConditions Domain = "conditions"
	// DomainEvidence governs evidence writes. Fail-closed rejects the request
	// when the record cannot be stored.
	DomainEvidence Domain = "evidence"
)

// Mode is a failure posture.
type Mode string

const (
	ModeFailClosed Mode = "fail-closed"
	ModeFailOpen   Mode = "fail-open"
)

var defaultModes = map[Domain]Mode{
	DomainConditions: ModeFailOpen,
	DomainEvidence:   ModeFailClosed,
}

// PostureSet holds the effective posture per domain. The zero value is not
// usable; start from DefaultPostureSet.
type PostureSet struct {
	modes map[Domain]Mode
}

// DefaultPostureSet returns the builtin postures: unknown conditions fail
// open, evidence writes fail closed.
func DefaultPostureSet() PostureSet {
	return PostureSet{modes: maps.Clone(defaultModes)}
}

// IsZero reports whether s was declared without DefaultPostureSet.
func (s PostureSet) IsZero() bool {
	return s.modes == nil
}

// Mode returns the posture for domain. Unknown domains fail closed.
func (s PostureSet) Mode(domain Domain) Mode {
	if mode, ok := s.modes[domain]; ok {
		return mode
	}
	return ModeFailClosed
}

// FailClosed reports whether domain is configured to fail closed.
func (s PostureSet) FailClosed(domain Domain) bool {
	return s.Mode(domain) == ModeFailClosed
}

// ApplyOverride sets the posture for a known domain.
func (s *PostureSet) ApplyOverride(domain Domain, mode Mode) error {
	if _, ok := defaultModes[domain]; !ok {
		return fmt.Errorf("policy: unknown failure posture domain %q (want one of %v)", domain, Domains())
	}
	if !mode.IsValid() {
		return fmt.Errorf("policy: invalid failure posture mode %q", mode)
	}
	if s.modes == nil {
		s.modes = maps.Clone(defaultModes)
	} else {
		s.modes = maps.Clone(s.modes)
	}
	s.modes[domain] = mode
	return nil
}

// ApplyOverrideStrings applies overrides read from configuration, e.g.
// {"conditions": "fail-closed"}.
func (s *PostureSet) ApplyOverrideStrings(overrides map[string]string) error {
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		mode, err := ParseMode(overrides[key])
		if err != nil {
			return fmt.Errorf("policy: domain %s: %w", key, err)
		}
		if err := s.ApplyOverride(Domain(strings.ToLower(strings.TrimSpace(key))), mode); err != nil {
			return err
		}
	}
	return nil
}

// LogValue renders the effective postures as a log group.
func (s PostureSet) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(defaultModes))
	for _, domain := range Domains() {
		attrs = append(attrs, slog.String(string(domain), string(s.Mode(domain))))
	}
	return slog.GroupValue(attrs...)
}

// ParseMode accepts "fail-open" and "fail-closed", case-insensitive, with
// underscores allowed in place of the dash.
func ParseMode(value string) (Mode, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-")
	if normalized == "" {
		return "", errors.New("mode is required")
	}
	mode := Mode(normalized)
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	return m == ModeFailClosed || m == ModeFailOpen
}

// Domains returns the supported posture domains in sorted order.
func Domains() []Domain {
	return slices.Sorted(maps.Keys(defaultModes))
}
