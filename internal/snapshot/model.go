// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package snapshot

import "time"

// Media types the renderer understands.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaDocument = "document"
	MediaURL      = "url"
)

// Fit modes for scaling media onto the display.
const (
	FitContain = "contain"
	FitCover   = "cover"
	FitStretch = "stretch"
)

// PlaylistItem is one normalised presentation unit.
type PlaylistItem struct {
	ItemID    string `json:"item_id" validate:"required"`
	MediaID   string `json:"media_id" validate:"required"`
	MediaType string `json:"media_type" validate:"required,oneof=image video document url"`

	// DurationMs is the display duration. Always positive.
	DurationMs int64 `json:"duration_ms" validate:"gt=0"`

	// TransitionMs is the cross-fade lead into the next item. Never
	// longer than the display duration.
	TransitionMs int64 `json:"transition_ms" validate:"gte=0,ltefield=DurationMs"`

	FitMode string `json:"fit_mode,omitempty" validate:"omitempty,oneof=contain cover stretch"`
	Muted   bool   `json:"muted,omitempty"`

	// SourceURL is where the cache downloads the media from.
	SourceURL string `json:"source_url,omitempty" validate:"omitempty,url"`

	// Digest is the expected hex SHA-256 of the media bytes.
	Digest string `json:"digest,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// SizeBytes is the declared media length, used for eviction planning.
	SizeBytes int64 `json:"size_bytes,omitempty" validate:"gte=0"`
}

// Duration returns the display duration as a time.Duration.
func (p PlaylistItem) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

// Transition returns the transition lead as a time.Duration.
func (p PlaylistItem) Transition() time.Duration {
	return time.Duration(p.TransitionMs) * time.Millisecond
}

// Snapshot is the entire presentation decision as of one fetch.
type Snapshot struct {
	SnapshotID string `json:"snapshot_id"`
	ScheduleID string `json:"schedule_id" validate:"required"`
	Version    int64  `json:"version" validate:"gte=0"`

	// Items is the ordered playlist. May be empty.
	Items []PlaylistItem `json:"items" validate:"dive"`

	// Emergency pre-empts the schedule while EmergencyActive is set.
	Emergency       *PlaylistItem `json:"emergency,omitempty"`
	EmergencyActive bool          `json:"emergency_active,omitempty"`

	// Default is shown when the schedule is empty.
	Default *PlaylistItem `json:"default,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// ActiveEmergency returns the emergency item when one is present and armed.
func (s *Snapshot) ActiveEmergency() *PlaylistItem {
	if s == nil || !s.EmergencyActive || s.Emergency == nil {
		return nil
	}
	return s.Emergency
}

// EffectiveItems returns the playlist to present: the schedule when it has
// items, otherwise the default item alone, otherwise nothing.
func (s *Snapshot) EffectiveItems() []PlaylistItem {
	if s == nil {
		return nil
	}
	if len(s.Items) > 0 {
		return s.Items
	}
	if s.Default != nil {
		return []PlaylistItem{*s.Default}
	}
	return nil
}

// Same reports whether other carries the identical schedule decision.
func (s *Snapshot) Same(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ScheduleID == other.ScheduleID &&
		s.Version == other.Version &&
		s.EmergencyActive == other.EmergencyActive
}
