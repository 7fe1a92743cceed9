package session

import (
	"crypto/sha256"
	"fmt"
	"path"
)

// PrivacyFilter applies masking and app-based filtering to session state
// before it leaves the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskUserIDs     bool
	MaskEventIDs    bool
	MaskGeoLocation bool
	AllowedApps     []string
	BlockedApps     []string
}

// IsAllowed reports whether sessions of appID may be shown. When AllowedApps
// is non-empty the app must match one of its glob patterns; it must then not
// match any BlockedApps pattern.
func (f *PrivacyFilter) IsAllowed(appID string) bool {
	if len(f.AllowedApps) > 0 {
		allowed := false
		for _, pattern := range f.AllowedApps {
			if matched, _ := path.Match(pattern, appID); matched {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedApps {
		if matched, _ := path.Match(pattern, appID); matched {
			return false
		}
	}

	return true
}

// Apply returns a copy of the state with sensitive fields masked. The
// original is never modified.
func (f *PrivacyFilter) Apply(s *State) *State {
	masked := s.Clone()

	masked.ID = f.MaskEventID(masked.ID)

	if f.MaskUserIDs && masked.CreatorID != "" {
		masked.CreatorID = shortHash(masked.CreatorID)
	}

	for i := range masked.Participants {
		p := &masked.Participants[i]
		if f.MaskUserIDs && p.UserID != "" {
			p.UserID = shortHash(p.UserID)
		}
		if f.MaskGeoLocation {
			p.GeoLocation = nil
		}
	}

	return masked
}

// FilterSlice returns a new slice containing only the allowed sessions,
// with masking applied to each.
func (f *PrivacyFilter) FilterSlice(states []*State) []*State {
	result := make([]*State, 0, len(states))
	for _, s := range states {
		if !f.IsAllowed(s.AppID) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskUserIDs && !f.MaskEventIDs && !f.MaskGeoLocation &&
		len(f.AllowedApps) == 0 && len(f.BlockedApps) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}

// MaskEventID returns id as it appears in filtered snapshots.
func (f *PrivacyFilter) MaskEventID(id string) string {
	if f.MaskEventIDs && id != "" {
		return shortHash(id)
	}
	return id
}
