package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwanhae/ssh-warden/types"
)

func TestRunBanSingle(t *testing.T) {
	ctx := context.Background()
	store := newTestReputation(t, 5)

	var out bytes.Buffer
	require.NoError(t, runBan(ctx, &out, store, []string{"203.0.113.5"}, "Manual addition", false))
	assert.Equal(t, "Successfully added 203.0.113.5 to blacklist\n", out.String())

	out.Reset()
	require.NoError(t, runBan(ctx, &out, store, []string{"203.0.113.5"}, "Manual addition", false))
	assert.Contains(t, out.String(), "already banned")

	rec, err := store.Get(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.FailedAttempts)
	assert.Equal(t, "Manual addition", rec.BanReason)
}

func TestRunBanBulk(t *testing.T) {
	ctx := context.Background()
	store := newTestReputation(t, 5)
	_, err := store.Ban(ctx, "198.51.100.1", "earlier")
	require.NoError(t, err)

	var out bytes.Buffer
	addrs := []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"}
	require.NoError(t, runBan(ctx, &out, store, addrs, "imported", true))
	assert.Equal(t, "Successfully added 2/3 addresses to blacklist\n", out.String())
}

func TestReadAddressFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("# scanners\n10.0.0.1\n\n  10.0.0.2  \n"), 0o600))

	addrs, err := readAddressFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, addrs)

	addrs, err = readAddressFile("-", strings.NewReader("10.0.0.3\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3"}, addrs)

	_, err = readAddressFile(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestPrintStats(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := types.Stats{
		TrackedCount: 4,
		BannedCount:  1,
		RecentBans:   []types.BannedEntry{{Address: "10.0.0.9", FailedAttempts: 6, BannedAt: at}},
	}

	var out bytes.Buffer
	require.NoError(t, printStats(&out, st, false))
	assert.Contains(t, out.String(), "Total IPs tracked: 4")
	assert.Contains(t, out.String(), "Blacklisted IPs: 1")
	assert.Contains(t, out.String(), "10.0.0.9: 6 attempts")

	out.Reset()
	require.NoError(t, printStats(&out, st, true))
	assert.Contains(t, out.String(), `"tracked_count": 4`)
	assert.Contains(t, out.String(), `"address": "10.0.0.9"`)
}

func TestPrintBannedAndCheck(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printBanned(&out, nil))
	assert.Equal(t, "No banned addresses.\n", out.String())

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := types.AddressRecord{
		Address:        "10.0.0.9",
		FailedAttempts: 5,
		FirstAttemptAt: at.Add(-time.Minute),
		LastAttemptAt:  at,
		Banned:         true,
		BannedAt:       &at,
		BanReason:      "exceeded 5 failed attempts",
	}
	out.Reset()
	require.NoError(t, printBanned(&out, []types.AddressRecord{rec}))
	assert.Contains(t, out.String(), "ADDRESS")
	assert.Contains(t, out.String(), "exceeded 5 failed attempts")

	out.Reset()
	printCheck(&out, "10.0.0.9", &rec)
	assert.Contains(t, out.String(), "IP 10.0.0.9 is blacklisted")
	assert.Contains(t, out.String(), "failed attempts: 5")

	out.Reset()
	printCheck(&out, "10.0.0.10", nil)
	assert.Equal(t, "IP 10.0.0.10 is not blacklisted (never seen)\n", out.String())
}

func TestCommandsShareDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "warden.db")
	run := func(args ...string) string {
		t.Helper()
		cfg = defaultConfig()
		configPath = ""
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append(args, "--db", db))
		require.NoError(t, cmd.Execute())
		return out.String()
	}
	t.Cleanup(func() { cfg = defaultConfig() })

	assert.Contains(t, run("ban", "192.0.2.44", "--reason", "scanner"), "Successfully added 192.0.2.44")
	assert.Contains(t, run("check", "192.0.2.44"), "is blacklisted")
	assert.Contains(t, run("list"), "scanner")
	assert.Contains(t, run("stats"), "Blacklisted IPs: 1")
	assert.Contains(t, run("unban", "192.0.2.44"), "Successfully removed 192.0.2.44")
	assert.Contains(t, run("check", "192.0.2.44"), "is not blacklisted")
}
