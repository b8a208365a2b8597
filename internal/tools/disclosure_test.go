package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testManifest = `
servers:
  - name: code
    tools:
      - name: read_file
        description: Read a file from the repository
        keywords: [read, file, source]
      - name: run_tests
        description: Run the test suite
        keywords: [test, suite, regression]
        cost_class: expensive
  - name: deploy
    tools:
      - name: rollout
        description: Roll a build out to production
        keywords: [deploy, production, release, rollout]
        cost_class: expensive
      - name: rollback
        description: Roll production back to the previous build
        keywords: [rollback, production, revert]
  - name: vcs
    tools:
      - name: open_pull_request
        description: Open a pull request
        keywords: [pull, request, review]
`

func loadTestCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))
	c, err := Load(path, zap.NewNop())
	require.NoError(t, err)
	return c
}

func qualifiedNames(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Qualified()
	}
	return out
}

func TestLoadSortsCatalogue(t *testing.T) {
	c := loadTestCatalogue(t)
	assert.Equal(t, 5, c.Len())
	assert.Equal(t, []string{
		"code::read_file",
		"code::run_tests",
		"deploy::rollback",
		"deploy::rollout",
		"vcs::open_pull_request",
	}, qualifiedNames(c.All()))
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	c := loadTestCatalogue(t)
	d, ok := c.Lookup("deploy::rollout")
	require.True(t, ok)
	assert.Equal(t, "expensive", d.CostClass)
	_, ok = c.Lookup("deploy::launch_missiles")
	assert.False(t, ok)
}

func TestMinimalScoresByKeywordOverlap(t *testing.T) {
	c := loadTestCatalogue(t)
	got := c.Disclose(DiscloseRequest{
		Strategy: StrategyMinimal,
		Text:     "deploy the new release to production",
	})
	// rollout matches deploy+production+release, rollback only production.
	require.Len(t, got, 2)
	assert.Equal(t, "deploy::rollout", got[0].Qualified())
	assert.Equal(t, "deploy::rollback", got[1].Qualified())
}

func TestMinimalTiesBreakOnCatalogueOrder(t *testing.T) {
	c := loadTestCatalogue(t)
	got := c.Disclose(DiscloseRequest{
		Strategy: StrategyMinimal,
		Text:     "production",
	})
	require.Len(t, got, 2)
	assert.Equal(t, "deploy::rollback", got[0].Qualified())
	assert.Equal(t, "deploy::rollout", got[1].Qualified())
}

func TestMinimalNoMatchesNoText(t *testing.T) {
	c := loadTestCatalogue(t)
	assert.Empty(t, c.Disclose(DiscloseRequest{Strategy: StrategyMinimal, Text: "quantum entanglement"}))
	assert.Empty(t, c.Disclose(DiscloseRequest{Strategy: StrategyMinimal, Text: ""}))
}

func TestMinimalRespectsMaxTools(t *testing.T) {
	c := loadTestCatalogue(t)
	got := c.Disclose(DiscloseRequest{
		Strategy: StrategyMinimal,
		Text:     "deploy release to production then rollback if the test suite fails",
		MaxTools: 1,
	})
	require.Len(t, got, 1)
	assert.Equal(t, "deploy::rollout", got[0].Qualified())
}

func TestAgentProfileKeepsDeclaredOrder(t *testing.T) {
	c := loadTestCatalogue(t)
	got := c.Disclose(DiscloseRequest{
		Strategy: StrategyAgentProfile,
		AgentTools: []string{
			"vcs::open_pull_request",
			"code::read_file",
			"code::make_coffee", // not in the catalogue
			"vcs::open_pull_request",
		},
	})
	assert.Equal(t, []string{"vcs::open_pull_request", "code::read_file"}, qualifiedNames(got))
}

func TestProgressiveUnionsProfileAndKeywords(t *testing.T) {
	c := loadTestCatalogue(t)
	got := c.Disclose(DiscloseRequest{
		Strategy:   StrategyProgressive,
		Text:       "deploy to production",
		AgentTools: []string{"deploy::rollout", "code::read_file"},
	})
	// Profile tools lead; keyword matches already present are not repeated.
	assert.Equal(t, []string{"deploy::rollout", "code::read_file", "deploy::rollback"}, qualifiedNames(got))
}

func TestFullReturnsWholeCatalogueUpToLimit(t *testing.T) {
	c := loadTestCatalogue(t)
	assert.Len(t, c.Disclose(DiscloseRequest{Strategy: StrategyFull}), 5)
	assert.Len(t, c.Disclose(DiscloseRequest{Strategy: StrategyFull, MaxTools: 3}), 3)
}

func TestParseStrategyDefaultsToMinimal(t *testing.T) {
	assert.Equal(t, StrategyMinimal, ParseStrategy(""))
	assert.Equal(t, StrategyMinimal, ParseStrategy("bogus"))
	assert.Equal(t, StrategyAgentProfile, ParseStrategy("agent_profile"))
	assert.Equal(t, StrategyProgressive, ParseStrategy("progressive"))
	assert.Equal(t, StrategyFull, ParseStrategy("full"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"deploy", "v2", "to", "production"}, tokenize("Deploy v2 to production!"))
	// Single-character tokens and repeats are dropped.
	assert.Equal(t, []string{"go", "run"}, tokenize("a go run go x"))
	assert.Empty(t, tokenize(""))
}

func TestReloadKeepsPreviousSnapshotOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))
	c, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("servers: ["), 0o644))
	assert.Error(t, c.reload())
	assert.Equal(t, 5, c.Len())
}
