// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

package health

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestRingNewestFirstAndOverwrite(t *testing.T) {
	r := NewRing(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		r.Record(msg)
	}

	got := r.Recent()
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	want := []string{"d", "c", "b"}
	for i, rec := range got {
		if rec.Message != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, rec.Message, want[i])
		}
		if rec.At.IsZero() {
			t.Errorf("recent[%d] has no timestamp", i)
		}
	}
}

func TestRingEmpty(t *testing.T) {
	if got := NewRing(4).Recent(); len(got) != 0 {
		t.Errorf("recent = %+v", got)
	}
}

func TestRingHookCapturesOnlyErrors(t *testing.T) {
	r := NewRing(4)
	r.Run(nil, zerolog.InfoLevel, "routine")
	r.Run(nil, zerolog.WarnLevel, "suspicious")
	r.Run(nil, zerolog.ErrorLevel, "broken")
	r.Run(nil, zerolog.FatalLevel, "dead")
	r.Run(nil, zerolog.ErrorLevel, "")

	got := r.Recent()
	if len(got) != 2 || got[0].Message != "dead" || got[1].Message != "broken" {
		t.Errorf("recent = %+v", got)
	}
}
