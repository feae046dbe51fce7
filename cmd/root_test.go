package cmd

import (
	"testing"

	"github.com/lehigh-university-libraries/scanmarks/internal/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"ocr", "detect-highlights", "make-spans", "emit-obsidian", "export-book-text", "sweep"}, names)

	for _, name := range []string{"ocr", "detect-highlights", "make-spans", "emit-obsidian", "export-book-text"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		for _, flag := range []string{"book", "pipeline", "dry-run", "overwrite", "run-id", "max-pages", "runs", "corpus", "workers"} {
			assert.NotNil(t, c.Flags().Lookup(flag), "%s --%s", name, flag)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
	}{
		{format: "text"},
		{format: "json"},
		{format: ""},
		{format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			err := setupLogging(false, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestApplyThresholdFlags(t *testing.T) {
	cmd := newSweepCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--fail-alpha-min", "0.7", "--warn-line-max", "9"}))

	base := sweep.Thresholds{FailAlphaMin: 0.5, FailConfMin: 55, WarnLineMax: 12, WarnCharMax: 900}
	parsed := sweep.Thresholds{}
	parsed.FailAlphaMin, _ = cmd.Flags().GetFloat64("fail-alpha-min")
	parsed.WarnLineMax, _ = cmd.Flags().GetInt("warn-line-max")

	applyThresholdFlags(cmd, &base, parsed)
	assert.Equal(t, sweep.Thresholds{FailAlphaMin: 0.7, FailConfMin: 55, WarnLineMax: 9, WarnCharMax: 900}, base)
}
