package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestRankFor(t *testing.T) {
	tests := []struct {
		seconds int64
		want    Rank
	}{
		{0, RankNovice},
		{3600, RankNovice},
		{3601, RankScholar},
		{18001, RankMaster},
		{36000, RankMaster},
		{36001, RankLegend},
		{-50, RankNovice},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.seconds), func(t *testing.T) {
			if got := RankFor(tt.seconds); got != tt.want {
				t.Errorf("RankFor(%d) = %s, want %s", tt.seconds, got, tt.want)
			}
		})
	}
}

func TestAPIError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("enter: %w", NewRoomFullError(10))

	if !errors.Is(err, ErrRoomFull) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, ErrRoomLocked) {
		t.Error("different code must not match")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Category != "room" {
		t.Errorf("errors.As = %+v", apiErr)
	}
}

func TestRoom_Locked(t *testing.T) {
	if (Room{}).Locked() {
		t.Error("empty secret should be unlocked")
	}
	if !(Room{Secret: "s"}).Locked() {
		t.Error("secret should lock the room")
	}
}
