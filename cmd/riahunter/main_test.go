package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profilesCSV = `crd_number,firm_name,city,state,aum,narrative
101,Harbor Point Advisors,St. Louis,MO,2000000000,Retirement planning and wealth management for families.
102,Gateway Wealth,Clayton,MO,500000000,Retirement planning and wealth management for families.
103,Pacific Crest Capital,San Diego,CA,3000000000,Retirement planning and wealth management for families.
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RIAHUNTER_STORAGE_DSN", filepath.Join(dir, "data", "corpus.db"))
	t.Setenv("RIAHUNTER_INDEX_SNAPSHOT_PATH", filepath.Join(dir, "data", "hnsw.msgpack"))
	t.Setenv("RIAHUNTER_EMBEDDING_PROVIDER", "hashing")
	t.Setenv("RIAHUNTER_EMBEDDING_DIMENSION", "64")
	t.Setenv("RIAHUNTER_EMBEDDING_RATE_LIMIT", "0")
	t.Setenv("RIAHUNTER_LOG_LEVEL", "error")
	t.Setenv("RIAHUNTER_CONFIG", "")

	path := filepath.Join(dir, "profiles.csv")
	require.NoError(t, os.WriteFile(path, []byte(profilesCSV), 0o600))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestCLI_IngestEmbedQuery(t *testing.T) {
	profiles := setupEnv(t)

	out := run(t, "ingest", profiles)
	assert.Contains(t, out, "loaded 3 of 3 rows")

	out = run(t, "embed", "--replicas", "2", "--partitions", "2")
	assert.Contains(t, out, "embedded 3 narratives")

	out = run(t, "query", "retirement planning", "--region", "mo", "--min-assets", "1000000000")
	assert.Contains(t, out, "Harbor Point Advisors")
	assert.NotContains(t, out, "Gateway Wealth")
	assert.NotContains(t, out, "Pacific Crest Capital")

	out = run(t, "stats")
	assert.Contains(t, out, "embedded")
	assert.NotContains(t, out, "warning:")
}

func TestCLI_CorrectAUMIsIdempotent(t *testing.T) {
	profiles := setupEnv(t)
	run(t, "ingest", profiles)

	assert.Contains(t, run(t, "correct-aum", "--multiplier", "1000"), "corrected AUM on 3 records")
	assert.Contains(t, run(t, "correct-aum", "--multiplier", "1000"), "corrected AUM on 0 records")
}

func TestCLI_Reindex(t *testing.T) {
	profiles := setupEnv(t)
	run(t, "ingest", "--embed", profiles)

	out := run(t, "reindex")
	assert.Contains(t, out, "indexed 3 entities, 3 narratives, 3 vectors")

	out = run(t, "reindex", "--clear-embeddings")
	assert.Contains(t, out, "cleared 3 embeddings")
	assert.Contains(t, out, "0 vectors")
}

func TestCLI_QueryValidation(t *testing.T) {
	setupEnv(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"query", "bonds", "--min-assets=-5"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid min_assets")
}
