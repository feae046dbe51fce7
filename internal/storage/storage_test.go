package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(id string) models.RunMeta {
	return models.RunMeta{RunID: id, BookID: "book1", ConfigHash: "cfg"}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicyNever},
		{in: "never", want: PolicyNever},
		{in: " if_same_run ", want: PolicyIfSameRun},
		{in: "always", want: PolicyAlways},
		{in: "sometimes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWritePolicies(t *testing.T) {
	tests := []struct {
		name       string
		secondRun  string
		policy     Policy
		wantAction Action
		wantErr    bool
		wantBody   string
	}{
		{name: "never same run", secondRun: "A", policy: PolicyNever, wantAction: ActionDenied, wantErr: true, wantBody: "one"},
		{name: "never other run", secondRun: "B", policy: PolicyNever, wantAction: ActionDenied, wantErr: true, wantBody: "one"},
		{name: "if_same_run same run", secondRun: "A", policy: PolicyIfSameRun, wantAction: ActionOverwrite, wantBody: "two"},
		{name: "if_same_run other run", secondRun: "B", policy: PolicyIfSameRun, wantAction: ActionDenied, wantErr: true, wantBody: "one"},
		{name: "always other run", secondRun: "B", policy: PolicyAlways, wantAction: ActionOverwrite, wantBody: "two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "runs", "A", "spans.json")
			_, err := New(run("A"), false, "").Write(path, []byte("one"), PolicyNever)
			require.NoError(t, err)

			d, err := New(run(tt.secondRun), false, "").Write(path, []byte("two"), tt.policy)
			assert.Equal(t, tt.wantAction, d.Action)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrOverwriteDenied)
				var oe *OverwriteError
				require.True(t, errors.As(err, &oe))
				assert.Equal(t, "A", oe.OwnerRunID)
			} else {
				require.NoError(t, err)
			}

			body, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(body))
		})
	}
}

func TestWriteUnchangedIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	s := New(run("A"), false, "")
	_, err := s.Write(path, []byte("same"), PolicyIfSameRun)
	require.NoError(t, err)
	before, err := os.Stat(path)
	require.NoError(t, err)

	d, err := s.Write(path, []byte("same"), PolicyIfSameRun)
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, d.Action)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestDryRunMatchesRealDecisions(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.json")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0644))

	requests := []struct {
		path   string
		policy Policy
	}{
		{path: filepath.Join(root, "new.json"), policy: PolicyNever},
		{path: existing, policy: PolicyNever},
		{path: existing, policy: PolicyAlways},
	}

	dry := New(run("A"), true, "")
	for _, r := range requests {
		_, _ = dry.Write(r.path, []byte("x"), r.policy)
	}
	_, err := os.Stat(filepath.Join(root, "new.json"))
	assert.True(t, os.IsNotExist(err))
	body, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "old", string(body))
	_, err = os.Stat(ProvenancePath(existing))
	assert.True(t, os.IsNotExist(err))

	live := New(run("A"), false, "")
	for _, r := range requests {
		_, _ = live.Write(r.path, []byte("x"), r.policy)
	}

	dd, rd := dry.Decisions(), live.Decisions()
	require.Len(t, dd, len(rd))
	for i := range dd {
		assert.Equal(t, rd[i].Action, dd[i].Action, "request %d", i)
		assert.True(t, dd[i].DryRun)
		assert.False(t, rd[i].DryRun)
	}
}

func TestCanonicalPaths(t *testing.T) {
	root := t.TempDir()
	canonical := filepath.Join(root, "books", "b1", "pages.jsonl")
	s := New(run("A"), false, root)

	_, err := s.Write(canonical, []byte("x"), PolicyAlways)
	require.ErrorIs(t, err, ErrCanonicalPath)

	_, err = s.WriteCanonical(canonical, []byte("x"), PolicyNever)
	require.NoError(t, err)

	// if_same_run is not enough to replace a canonical file.
	_, err = s.WriteCanonical(canonical, []byte("y"), PolicyIfSameRun)
	require.ErrorIs(t, err, ErrOverwriteDenied)

	d, err := s.WriteCanonical(canonical, []byte("y"), PolicyAlways)
	require.NoError(t, err)
	assert.Equal(t, ActionOverwrite, d.Action)

	outside := filepath.Join(t.TempDir(), "runs", "spans.json")
	_, err = s.Write(outside, []byte("x"), PolicyNever)
	require.NoError(t, err)
}

func TestProvenanceTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	s := New(run("A"), false, "")
	_, err := s.Write(path, []byte("content"), PolicyNever)
	require.NoError(t, err)

	prov, err := s.Provenance(path)
	require.NoError(t, err)
	assert.Equal(t, "A", prov.RunID)
	assert.Equal(t, "cfg", prov.ConfigHash)
	assert.Len(t, prov.SHA256, 64)
	assert.True(t, s.OwnedByRun(path))
	assert.False(t, New(run("B"), false, "").OwnedByRun(path))
}

func TestConcurrentWritersOnePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.json")
	s := New(run("A"), false, "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, denied := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.Write(path, []byte(fmt.Sprintf("writer %d", i)), PolicyNever)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && d.Action == ActionCreate {
				created++
			}
			if errors.Is(err, ErrOverwriteDenied) {
				denied++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 15, denied)
}

func TestResolveRunID(t *testing.T) {
	assert.Equal(t, "given", ResolveRunID(" given ", nil))
	now := func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }
	assert.Equal(t, "20240305T140709Z", ResolveRunID("", now))
}
