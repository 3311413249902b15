package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/internal/db"
	"github.com/tarungka/telepipe/internal/db/badgerdb"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/tarungka/telepipe/internal/operator/optest"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))

	out, err := optest.Drive(&FileSource{Path: path, Lines: 2}, models.KindNone, optest.NewControl())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a\nb\n", string(out[0].(models.Chunk)))
	assert.Equal(t, "c\n", string(out[1].(models.Chunk)))
}

func TestFileSource_Missing(t *testing.T) {
	_, err := optest.Drive(&FileSource{Path: filepath.Join(t.TempDir(), "nope")}, models.KindNone, optest.NewControl())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenerate(t *testing.T) {
	out, err := optest.Drive(&Generate{Count: 5, Schema: "gen", BatchSize: 2}, models.KindNone, optest.NewControl())
	require.NoError(t, err)
	require.Len(t, out, 3)

	var seqs []any
	for _, b := range out {
		for _, ev := range b.(models.Events) {
			assert.Equal(t, "gen", ev.Schema)
			seqs = append(seqs, ev.Fields["seq"])
		}
	}
	assert.Equal(t, []any{0, 1, 2, 3, 4}, seqs)
}

func TestExport(t *testing.T) {
	store := badgerdb.New(&badgerdb.Config{})
	require.NoError(t, store.Open())
	defer store.Close()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var evs models.Events
	for i := range 5 {
		ev, err := models.NewEvent("dns", map[string]any{"i": i, "eventTime": base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)})
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	require.NoError(t, store.Put(context.Background(), evs))

	out, err := optest.Drive(&Export{Store: store, Query: db.Query{Schema: "dns", Since: base.Add(time.Minute)}, BatchSize: 3}, models.KindNone, optest.NewControl())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 3, out[0].Len())
	assert.Equal(t, 1, out[1].Len())
	assert.Equal(t, float64(1), out[0].(models.Events)[0].Fields["i"])
}

func TestRegister(t *testing.T) {
	f := operator.NewFactory()
	Register(f, nil)

	_, err := f.Create(operator.Spec{Name: "export"})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = f.Create(operator.Spec{Name: "from_kafka", Args: map[string]string{"topic": "t"}})
	assert.ErrorIs(t, err, operator.ErrMissingArgument)

	u, err := f.Create(operator.Spec{Name: "from_kafka", Args: map[string]string{"bootstrap_servers": "a:9092, b:9092", "topic": "t"}})
	require.NoError(t, err)
	assert.Equal(t, models.Anywhere, u.Location())

	_, err = f.Create(operator.Spec{Name: "from_mongo", Args: map[string]string{"uri": "mongodb://x", "database": "d"}})
	assert.ErrorIs(t, err, operator.ErrMissingArgument)

	_, err = f.Create(operator.Spec{Name: "from_mongo", Args: map[string]string{"uri": "mongodb://x", "database": "d", "collection": "c", "filter": "{"}})
	assert.ErrorContains(t, err, "invalid filter")

	u, err = f.Create(operator.Spec{Name: "from_file", Args: map[string]string{"path": "x"}})
	require.NoError(t, err)
	assert.Equal(t, models.Local, u.Location())

	// a spec can move an operator
	u, err = f.Create(operator.Spec{Name: "generate", Location: "remote"})
	require.NoError(t, err)
	assert.Equal(t, models.Remote, u.Location())
}

func TestKafkaSource_Options(t *testing.T) {
	k := &KafkaSource{Brokers: []string{"a:9092"}, Topic: "t"}
	assert.Len(t, k.options(), 2)
	k.Group = "g"
	assert.Len(t, k.options(), 4)
}

func TestParseFilter(t *testing.T) {
	filter, err := parseFilter(`{"severity": {"$gte": 3}}`)
	require.NoError(t, err)
	require.Len(t, filter, 1)
	assert.Equal(t, "severity", filter[0].Key)
	assert.IsType(t, bson.D{}, filter[0].Value)

	filter, err = parseFilter("")
	require.NoError(t, err)
	assert.Empty(t, filter)
}
