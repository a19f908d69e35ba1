package state

import (
	"testing"
	"time"
)

func TestLivenessTableBeatAndExpiry(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewLivenessTable(db)
	now := time.Now()

	// first beat on an unknown token is an upsert, not an error
	if err := table.Beat("D1", now); err != nil {
		t.Fatalf("Beat: %s", err)
	}
	live, err := table.IsLive("D1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("IsLive: %s", err)
	}
	if !live {
		t.Errorf("D1 should be live 1s after beating")
	}

	// still live just inside the TTL window
	live, err = table.IsLive("D1", now.Add(LivenessTTL-time.Second))
	if err != nil {
		t.Fatalf("IsLive: %s", err)
	}
	if !live {
		t.Errorf("D1 should be live %s after beating", LivenessTTL-time.Second)
	}

	// lapsed once the TTL passes; the read itself garbage-collects
	live, err = table.IsLive("D1", now.Add(LivenessTTL+time.Second))
	if err != nil {
		t.Fatalf("IsLive: %s", err)
	}
	if live {
		t.Errorf("D1 should have lapsed %s after beating", LivenessTTL+time.Second)
	}
	var count int
	if err := db.QueryRow(`SELECT count(*) FROM playlock_liveness WHERE device_token = 'D1'`).Scan(&count); err != nil {
		t.Fatalf("count: %s", err)
	}
	if count != 0 {
		t.Errorf("lapsed row not deleted by delete-before-read, count=%d", count)
	}
}

func TestLivenessTableBeatRefreshesTTL(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewLivenessTable(db)
	now := time.Now()

	if err := table.Beat("D2", now); err != nil {
		t.Fatalf("Beat: %s", err)
	}
	if err := table.Beat("D2", now.Add(BeatInterval)); err != nil {
		t.Fatalf("re-Beat: %s", err)
	}
	live, err := table.IsLive("D2", now.Add(BeatInterval+LivenessTTL-time.Second))
	if err != nil {
		t.Fatalf("IsLive: %s", err)
	}
	if !live {
		t.Errorf("refreshed beat did not extend liveness")
	}
}

func TestLivenessTableRemove(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewLivenessTable(db)
	now := time.Now()

	if err := table.Beat("D3", now); err != nil {
		t.Fatalf("Beat: %s", err)
	}
	if err := table.Remove("D3"); err != nil {
		t.Fatalf("Remove: %s", err)
	}
	live, err := table.IsLive("D3", now)
	if err != nil {
		t.Fatalf("IsLive: %s", err)
	}
	if live {
		t.Errorf("D3 still live after graceful Remove")
	}
	// removing again is fine
	if err := table.Remove("D3"); err != nil {
		t.Errorf("second Remove errored: %s", err)
	}
}

func TestLivenessTableLiveTokens(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewLivenessTable(db)
	now := time.Now()

	// earlier tests may have left live rows behind
	db.MustExec(`DELETE FROM playlock_liveness`)

	if err := table.Beat("LT2", now); err != nil {
		t.Fatalf("Beat: %s", err)
	}
	if err := table.Beat("LT1", now); err != nil {
		t.Fatalf("Beat: %s", err)
	}
	if err := table.Beat("LT0", now.Add(-2*LivenessTTL)); err != nil {
		t.Fatalf("Beat: %s", err)
	}

	tokens, err := table.LiveTokens(now)
	if err != nil {
		t.Fatalf("LiveTokens: %s", err)
	}
	want := []string{"LT1", "LT2"}
	if len(tokens) != len(want) {
		t.Fatalf("LiveTokens: got %v want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("LiveTokens[%d]: got %s want %s", i, tokens[i], want[i])
		}
	}
}
