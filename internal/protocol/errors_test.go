package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrSessionFull,
		ErrSessionNotFound,
		ErrBadToken,
		ErrBadRequest,
		ErrUnknownKey,
		ErrNotHoldable,
		ErrNotUsable,
		ErrInventoryFull,
		ErrNotHolder,
		ErrConflict,
		ErrSpoof,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestLaneFor(t *testing.T) {
	reliable := []string{TypeWelcome, TypeScene, TypePeer, TypeCmd, TypeApply, TypeWarp, TypeSnapshot, TypeReject}
	for _, mt := range reliable {
		if LaneFor(mt) != LaneReliable {
			t.Fatalf("%s should be reliable", mt)
		}
	}
	bestEffort := []string{TypePose, TypeTether, TypePing, TypePong}
	for _, mt := range bestEffort {
		if LaneFor(mt) != LaneBestEffort {
			t.Fatalf("%s should be best-effort", mt)
		}
	}
}
