package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/config"
	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), config.FileName)}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "playbookd dev\n", out)
}

func TestCatalogList(t *testing.T) {
	out, err := run(t, "catalog", "list", "--json")
	require.NoError(t, err)
	var defs []playbook.Definition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	assert.Len(t, defs, 5)

	out, err = run(t, "catalog", "list", "--category", "renewal")
	require.NoError(t, err)
	assert.Contains(t, out, "renewal-readiness")
	assert.NotContains(t, out, "voc-sprint")

	_, err = run(t, "catalog", "list", "--category", "sales")
	assert.Error(t, err)
}

func TestCatalogShowAndTriggers(t *testing.T) {
	out, err := run(t, "catalog", "show", "voc-sprint")
	require.NoError(t, err)
	assert.Contains(t, out, "id: voc-sprint")

	out, err = run(t, "catalog", "triggers", "voc-sprint", "--json")
	require.NoError(t, err)
	var triggers []playbook.TriggerThreshold
	require.NoError(t, json.Unmarshal([]byte(out), &triggers))
	assert.Len(t, triggers, 3)

	_, err = run(t, "catalog", "show", "nope")
	assert.Equal(t, playbook.KindNotFound, playbook.KindOf(err))
}

func TestCatalogPromptRendersTemplate(t *testing.T) {
	out, err := run(t, "catalog", "prompt", "churn-rescue", "risk-root-cause",
		"--var", "account_name=Acme", "--var", "tickets=T-1;T-2", "--var", "usage_trend=down 25%")
	require.NoError(t, err)
	assert.Contains(t, out, "health-score drop for Acme using these support tickets: T-1;T-2")
	assert.NotContains(t, out, "{{")
	assert.NotContains(t, out, "unset variables")

	out, err = run(t, "catalog", "prompt", "churn-rescue", "risk-root-cause", "--json", "--var", "account_name=Acme")
	require.NoError(t, err)
	var rendered struct {
		Output string   `json:"output"`
		Prompt string   `json:"prompt"`
		Unset  []string `json:"unset"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rendered))
	assert.Equal(t, "diagnosis", rendered.Output)
	assert.Equal(t, []string{"tickets", "usage_trend"}, rendered.Unset)
	assert.Contains(t, rendered.Prompt, "for Acme using these support tickets:  and")

	_, err = run(t, "catalog", "prompt", "churn-rescue", "risk-nope")
	assert.Equal(t, playbook.KindNotFound, playbook.KindOf(err))
	_, err = run(t, "catalog", "prompt", "voc-sprint", "voc-trigger-check")
	assert.Equal(t, playbook.KindValidation, playbook.KindOf(err))
}

func TestCatalogValidateFiles(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: Bad Id\nname: x\n"), 0o644))

	out, err := run(t, "catalog", "validate", bad)
	assert.Error(t, err)
	assert.Contains(t, out, "FAIL "+bad)

	out, err = run(t, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 5 playbooks")
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", config.FileName)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "init"})
	require.NoError(t, cmd.Execute())
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
}

func TestBoardAndRecommendRequireCustomer(t *testing.T) {
	_, err := run(t, "board")
	assert.ErrorContains(t, err, "--customer")
	_, err = run(t, "recommend", "voc-sprint")
	assert.ErrorContains(t, err, "--customer")
	_, err = run(t, "recommend", "voc-sprint", "--customer", "7")
	assert.ErrorContains(t, err, "recommendations.base_url")
}

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	cfg.Store.Driver = config.DriverMemory
	st, closer, err := openStore(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &store.Memory{}, st)

	cfg.Store.Driver = config.DriverFile
	cfg.Store.Path = t.TempDir()
	st, _, err = openStore(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &store.File{}, st)

	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "executions.db")
	st, closer, err = openStore(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, closer)
	require.NoError(t, closer.Close())

	cfg.Store.Driver = "redis"
	_, _, err = openStore(ctx, cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestOpenRuntimeWiresAudit(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Dir = t.TempDir()
	rt, err := openRuntime(context.Background(), cfg, runtimeOptions{withAPI: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NotNil(t, rt.audit)
	require.NotNil(t, rt.feed)
	require.NotNil(t, rt.metrics)
	_, err = rt.manager.StartPlaybook(context.Background(), "voc-sprint", playbook.ExecutionContext{CustomerID: 7, UserID: 1, UserName: "U"})
	require.NoError(t, err)
	lines, total := rt.audit.Tail(5)
	assert.Equal(t, 1, total)
	assert.Contains(t, lines[0], "voc-sprint")
}
