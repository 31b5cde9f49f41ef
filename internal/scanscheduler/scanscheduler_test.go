package scanscheduler

import (
	"testing"

	"github.com/clipvault/clipvault/internal/discordclient"
)

func TestFilterExistingRemovesKnownIDs(t *testing.T) {
	msgs := []discordclient.Message{
		{ID: "1"}, {ID: "2"}, {ID: "3"},
	}
	existing := map[string]bool{"2": true}

	got := filterExisting(msgs, existing)

	if len(got) != 2 {
		t.Fatalf("filterExisting() returned %d messages, want 2", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("filterExisting() = %+v, want ids [1 3]", got)
	}
}

func TestFilterExistingNoneKnown(t *testing.T) {
	msgs := []discordclient.Message{{ID: "1"}, {ID: "2"}}

	got := filterExisting(msgs, map[string]bool{})

	if len(got) != len(msgs) {
		t.Errorf("filterExisting() dropped messages with nothing existing: got %d, want %d", len(got), len(msgs))
	}
}

func TestFilterExistingAllKnown(t *testing.T) {
	msgs := []discordclient.Message{{ID: "1"}, {ID: "2"}}
	existing := map[string]bool{"1": true, "2": true}

	got := filterExisting(msgs, existing)

	if len(got) != 0 {
		t.Errorf("filterExisting() = %+v, want empty", got)
	}
}

func TestFilterExistingEmptyInput(t *testing.T) {
	got := filterExisting(nil, map[string]bool{"1": true})
	if len(got) != 0 {
		t.Errorf("filterExisting(nil) = %+v, want empty", got)
	}
}
