package main

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal", "swaps.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	base := time.Unix(1_700_000_000, 0)

	entries := []JournalEntry{
		{ChatID: 1, Direction: SwapDirBuy, Mint: "mintA", InAmount: 250_000_000, QuotedOut: 1_000, Signature: "sig1", Status: SwapSubmitted, CreatedAt: base},
		{ChatID: 2, Direction: SwapDirSell, Mint: "mintB", InAmount: math.MaxUint64, QuotedOut: 9, Status: SwapFailed, Error: "Blockhash not found", CreatedAt: base.Add(time.Minute)},
		{ChatID: 1, Direction: SwapDirSell, Mint: "mintA", InAmount: 500, QuotedOut: 42, Signature: "sig3", Status: SwapLanded, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if _, err := j.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	mine, err := j.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 entries for chat 1, got %d", len(mine))
	}
	if mine[0].Signature != "sig3" || mine[0].Direction != SwapDirSell || mine[0].Status != SwapLanded {
		t.Fatalf("newest entry should come first: %+v", mine[0])
	}
	if mine[1].InAmount != 250_000_000 || !mine[1].CreatedAt.Equal(base) {
		t.Fatalf("unexpected oldest entry %+v", mine[1])
	}

	all, err := j.Recent(ctx, 0, 2)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("limit not honoured, got %d", len(all))
	}
	if all[1].InAmount != math.MaxUint64 || all[1].Error != "Blockhash not found" || all[1].Signature != "" {
		t.Fatalf("full uint64 range or nullable columns lost: %+v", all[1])
	}
}
