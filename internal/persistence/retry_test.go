package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	locked := errors.New("database is locked")
	cases := map[string]struct {
		err  error
		busy bool
	}{
		"nil":            {nil, false},
		"constraint":     {errors.New("UNIQUE constraint failed: turns.id"), false},
		"locked":         {locked, true},
		"table locked":   {errors.New("database table is locked: steps"), true},
		"busy code":      {errors.New("SQLITE_BUSY (5)"), true},
		"locked code":    {errors.New("SQLITE_LOCKED (6)"), true},
		"wrapped locked": {fmt.Errorf("append step: %w", locked), true},
	}
	for name, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.busy {
			t.Errorf("%s: isSQLiteBusy = %v, want %v", name, got, tc.busy)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked")
	cases := []struct {
		name      string
		retries   int
		failFirst int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "busy then ok", retries: 3, failFirst: 2, failWith: locked, wantCalls: 3},
		{name: "not busy", retries: 3, failFirst: 10, failWith: errors.New("no such table: turns"), wantCalls: 1, wantErr: true},
		{name: "exhausted", retries: 2, failFirst: 10, failWith: locked, wantCalls: 3, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failFirst {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected an error after cancel")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
