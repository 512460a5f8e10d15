package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/playbook"
)

func TestBuiltinCatalogLoads(t *testing.T) {
	cat, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cat.Len())
	assert.Equal(t, playbook.Categories(), cat.Categories(), "every category has a built-in playbook")

	ids := make([]string, 0, cat.Len())
	for _, def := range cat.All() {
		ids = append(ids, def.ID)
	}
	assert.IsIncreasing(t, ids)
}

func TestVocSprintShape(t *testing.T) {
	cat := MustLoad()
	def, ok := cat.GetByID("voc-sprint")
	require.True(t, ok)
	require.Len(t, def.Steps, 12)
	first := def.Steps[0]
	assert.Equal(t, "voc-trigger-check", first.ID)
	assert.Empty(t, first.Dependencies)
	assert.Equal(t, playbook.StepDataTrigger, first.Data.Kind)
	for _, step := range def.Steps {
		assert.Equal(t, playbook.StatusNotStarted, step.Status, step.ID)
	}
	assert.Equal(t, 2024, def.LastUpdated.Year())
}

func TestGetByIDUnknownReportsAbsence(t *testing.T) {
	cat := MustLoad()
	def, ok := cat.GetByID("NOT-REAL")
	assert.False(t, ok)
	assert.Empty(t, def.ID)

	_, ok = cat.GetByID("VOC-SPRINT")
	assert.False(t, ok, "lookups are case-sensitive")

	_, err := cat.Lookup("NOT-REAL")
	assert.ErrorIs(t, err, playbook.ErrNotFound)

	var nilCatalog *Catalog
	_, ok = nilCatalog.GetByID("voc-sprint")
	assert.False(t, ok)
}

func TestGetByIDReturnsCopies(t *testing.T) {
	cat := MustLoad()
	def, _ := cat.GetByID("voc-sprint")
	def.Steps[0].Title = "mutated"
	def.Tags[0] = "mutated"
	again, _ := cat.GetByID("voc-sprint")
	assert.NotEqual(t, "mutated", again.Steps[0].Title)
	assert.NotEqual(t, "mutated", again.Tags[0])
}

func TestByCategoryAndTag(t *testing.T) {
	cat := MustLoad()
	risk := cat.ByCategory(playbook.CategoryRiskMitigation)
	require.Len(t, risk, 1)
	assert.Equal(t, "churn-rescue", risk[0].ID)

	nps := cat.ByTag("nps")
	require.Len(t, nps, 1)
	assert.Equal(t, "voc-sprint", nps[0].ID)

	assert.Empty(t, cat.ByTag("NPS"))
	assert.Empty(t, cat.ByCategory("growth"))
}

func TestTriggers(t *testing.T) {
	cat := MustLoad()
	def, _ := cat.GetByID("voc-sprint")
	triggers := Triggers(def)
	require.Len(t, triggers, 3)
	assert.Equal(t, "nps", triggers[0].Metric)
	assert.Equal(t, playbook.OperatorLessThan, triggers[0].Operator)
	assert.InDelta(t, 10, triggers[0].Value, 0.0001)
}

func TestNewRejectsInvalidDefinitions(t *testing.T) {
	valid := playbook.Definition{
		ID: "x", Name: "X", Category: playbook.CategoryRenewal, Version: "1.0.0",
		Steps: []playbook.Step{{ID: "a", Title: "A", Type: playbook.StepTypeAction}},
	}
	_, err := New(valid, valid)
	require.Error(t, err)
	assert.ErrorIs(t, err, playbook.ErrValidation)
	assert.Contains(t, err.Error(), "duplicate playbook id x")

	broken := valid.Clone()
	broken.Steps = append(broken.Steps, playbook.Step{ID: "b", Title: "B", Type: playbook.StepTypeAction, Dependencies: []string{"ghost"}})
	_, err = New(broken)
	assert.ErrorIs(t, err, playbook.ErrValidation)
}

func TestParseDefinitionRejectsUnknownFields(t *testing.T) {
	_, err := ParseDefinition([]byte("id: x\nname: X\ncategory: renewal\nversion: 1.0.0\nstepz: []\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, playbook.ErrValidation)

	_, err = ParseDefinition([]byte("   \n"))
	assert.ErrorIs(t, err, playbook.ErrValidation)
}

const extraDefinition = `id: qbr-prep
name: QBR Prep
category: renewal
version: 0.1.0
last_updated: 2024-07-01
author: Test
steps:
  - id: qbr-agenda
    title: Draft agenda
    type: action
    estimated_time: 30
  - id: qbr-deck
    title: Build deck
    type: action
    dependencies: [qbr-agenda]
    estimated_time: 60
`

func TestLoadMergesExtraDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "team", "renewals")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "qbr.yml"), []byte(extraDefinition), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	cat, err := Load(WithExtraDir(dir, ""))
	require.NoError(t, err)
	assert.Equal(t, 6, cat.Len())
	def, ok := cat.GetByID("qbr-prep")
	require.True(t, ok)
	assert.Equal(t, []string{"qbr-agenda", "qbr-deck"}, def.StepIDs())
	assert.Len(t, cat.ByCategory(playbook.CategoryRenewal), 2)
}

func TestLoadRejectsDuplicateIDFromExtraDir(t *testing.T) {
	dir := t.TempDir()
	data, err := builtin.ReadFile("playbooks/voc-sprint.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "copy.yaml"), data, 0o644))

	_, err = Load(WithExtraDir(dir, "*.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate playbook id voc-sprint")
}

func TestLoadWithoutBuiltin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qbr.yaml"), []byte(extraDefinition), 0o644))
	cat, err := Load(WithoutBuiltin(), WithExtraDir(dir, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, cat.Len())

	_, err = Load(WithExtraDir(filepath.Join(dir, "missing"), ""))
	assert.Error(t, err)
}
