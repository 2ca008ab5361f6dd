// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package player

import (
	"context"

	"github.com/tomtom215/kioskd/internal/snapshot"
)

// RenderItem is one presentation handed to the rendering surface.
type RenderItem struct {
	Item snapshot.PlaylistItem

	// LocalPath is the cached media file. Empty for live URL media,
	// which the surface loads directly from Item.SourceURL.
	LocalPath string
}

// Renderer is the rendering surface. Implementations wrap whatever actually
// draws on the display; the controller only cares that Render either
// presents the item or fails.
type Renderer interface {
	// Render presents item until the next Render or fallback call.
	Render(ctx context.Context, item RenderItem) error

	// ShowFallback displays a static slide: the pairing code screen, the
	// "no content" slide, or the terminal error slide.
	ShowFallback(reason string) error

	// ShowTestPattern displays a diagnostic pattern.
	ShowTestPattern(ctx context.Context) error

	// Screenshot captures the current frame as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
}
