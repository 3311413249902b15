package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/internal/ledger"
	"github.com/tarungka/telepipe/internal/operator"
)

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name string
		def  string
		want []operator.Spec
	}{
		{
			name: "single",
			def:  "generate count=3",
			want: []operator.Spec{{Name: "generate", Args: map[string]string{"count": "3"}}},
		},
		{
			name: "locations",
			def:  "from_file path=in.json | remote read_json | local to_file path=out.json",
			want: []operator.Spec{
				{Name: "from_file", Args: map[string]string{"path": "in.json"}},
				{Name: "read_json", Location: "remote"},
				{Name: "to_file", Location: "local", Args: map[string]string{"path": "out.json"}},
			},
		},
		{
			name: "quoted",
			def:  `where field=msg equals="a | \"b\""|discard`,
			want: []operator.Spec{
				{Name: "where", Args: map[string]string{"field": "msg", "equals": `a | "b"`}},
				{Name: "discard"},
			},
		},
		{
			name: "empty",
			def:  "   ",
			want: []operator.Spec{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDefinition(tt.def)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDefinition_Errors(t *testing.T) {
	for _, def := range []string{
		"generate | | discard",
		"remote",
		"generate count",
		`where equals="open`,
		"path=x",
	} {
		_, err := ParseDefinition(def)
		assert.ErrorIs(t, err, ErrSyntax, def)
	}
}

func TestFormatDefinition_RoundTrip(t *testing.T) {
	def := `from_file lines=2 path="my file.json" | remote read_json | where equals="a \"b\"" field=msg | to_file path=out.json`
	specs, err := ParseDefinition(def)
	require.NoError(t, err)
	assert.Equal(t, def, FormatDefinition(specs))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipelines:
  - name: copy
    definition: from_file path=in.json | to_file path=out.json
    autostart: true
  - name: explicit
    operators:
      - name: generate
        args:
          count: "5"
      - name: discard
        location: local
`), 0o644))

	ko := koanf.New(".")
	require.NoError(t, ko.Load(file.Provider(path), yaml.Parser()))
	configs, err := Load(ko)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.True(t, configs[0].Autostart)
	specs, err := configs[0].Specs()
	require.NoError(t, err)
	assert.Equal(t, "from_file", specs[0].Name)

	specs, err = configs[1].Specs()
	require.NoError(t, err)
	assert.Equal(t, []operator.Spec{
		{Name: "generate", Args: map[string]string{"count": "5"}},
		{Name: "discard", Location: "local"},
	}, specs)
}

func TestLoad_Missing(t *testing.T) {
	configs, err := Load(koanf.New("."))
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestPipelineConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PipelineConfig
	}{
		{"no name", PipelineConfig{Definition: "generate | discard"}},
		{"nothing to run", PipelineConfig{Name: "x"}},
		{"both", PipelineConfig{Name: "x", Definition: "discard", Operators: []OperatorConfig{{Name: "discard"}}}},
		{"bad location", PipelineConfig{Name: "x", Operators: []OperatorConfig{{Name: "discard", Location: "mars"}}}},
		{"unnamed operator", PipelineConfig{Name: "x", Operators: []OperatorConfig{{Location: "local"}}}},
		{"bad definition", PipelineConfig{Name: "x", Definition: "generate |"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
	assert.NoError(t, PipelineConfig{Name: "ok", Definition: "generate | discard"}.Validate())
}

func newTestManager(t *testing.T) (*Manager, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	m := NewManager(NewFactory(nil), WithLedger(l))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
		assert.NoError(t, l.Close())
	})
	return m, l
}

func TestManager_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	out := filepath.Join(dir, "out", "errors.json")
	require.NoError(t, os.WriteFile(in, []byte(strings.Join([]string{
		`{"level":"info","msg":"a"}`,
		`{"level":"error","msg":"b"}`,
		`not json`,
		`{"level":"error","msg":"c"}`,
		`{"level":"debug","msg":"d"}`,
	}, "\n")+"\n"), 0o644))

	m, l := newTestManager(t)
	specs, err := ParseDefinition(`from_file lines=2 path="` + in + `" | read_json schema=log | where field=level equals=error | write_json | to_file path="` + out + `"`)
	require.NoError(t, err)

	info, err := m.Start("errors", specs)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, info.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err = m.Wait(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, info.Status, info.Error)
	assert.Len(t, info.Nodes, 5)
	require.NotNil(t, info.Stats)
	assert.EqualValues(t, 5, info.Stats.LocalNodes)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "{\"level\":\"error\",\"msg\":\"b\"}\n{\"level\":\"error\",\"msg\":\"c\"}\n", string(data))

	recorded, err := l.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, recorded.Status)
	assert.Equal(t, "errors", recorded.Pipeline)
}

func TestManager_Stop(t *testing.T) {
	m, l := newTestManager(t)
	specs, err := ParseDefinition("generate count=100000 batch_size=1 | throttle rate=1 burst=1 | discard")
	require.NoError(t, err)
	info, err := m.Start("slow", specs)
	require.NoError(t, err)

	require.NoError(t, m.Pause(info.ID))
	require.NoError(t, m.Resume(info.ID))
	require.NoError(t, m.Stop(info.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err = m.Wait(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusStopped, info.Status)
	assert.Equal(t, ErrStopped.Error(), info.Error)

	recorded, err := l.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusStopped, recorded.Status)
}

func TestManager_StartErrors(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Start("unknown", []operator.Spec{{Name: "nope"}})
	assert.ErrorIs(t, err, operator.ErrUnknownOperator)

	_, err = m.Start("open", []operator.Spec{{Name: "generate", Args: map[string]string{"count": "1"}}})
	assert.ErrorIs(t, err, operator.ErrPipelineNotClosed)

	// remote operators need a peer
	info, err := m.Start("remote", []operator.Spec{
		{Name: "generate", Args: map[string]string{"count": "1"}},
		{Name: "discard", Location: "remote"},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err = m.Wait(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, info.Status)
	assert.Contains(t, info.Error, "no remote peer")

	for _, op := range []func(string) error{m.Pause, m.Resume, m.Stop} {
		assert.ErrorIs(t, op("missing"), ErrRunNotFound)
	}
	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManager_ListIncludesRecordedRuns(t *testing.T) {
	m, l := newTestManager(t)
	require.NoError(t, l.Begin(ledger.Run{
		ID:        "earlier",
		Pipeline:  "old",
		Operators: []operator.Spec{{Name: "generate"}, {Name: "discard"}},
		Status:    ledger.StatusRunning,
		StartedAt: time.Now().Add(-time.Hour),
	}))
	_, err := l.Recover()
	require.NoError(t, err)

	info, err := m.StartConfig(PipelineConfig{Name: "now", Definition: "generate count=2 | discard"})
	require.NoError(t, err)

	runs, err := m.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, info.ID, runs[0].ID)
	assert.Equal(t, "earlier", runs[1].ID)
	assert.Equal(t, ledger.StatusAbandoned, runs[1].Status)
	assert.Equal(t, "generate | discard", runs[1].Definition)

	got, err := m.Get("earlier")
	require.NoError(t, err)
	assert.Equal(t, "old", got.Pipeline)
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := NewManager(NewFactory(nil))
	require.NoError(t, m.Shutdown(context.Background()))
	_, err := m.Start("late", []operator.Spec{{Name: "generate"}, {Name: "discard"}})
	assert.ErrorIs(t, err, ErrShutdown)
}
