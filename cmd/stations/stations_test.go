package stations

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/station"
)

func seeded(t *testing.T) *conf.Settings {
	t.Helper()
	settings := conf.NewTestSettings().
		WithStationsPath(filepath.Join(t.TempDir(), "stations.json")).
		Build()
	db, err := station.Open(settings.Stations.Path)
	require.NoError(t, err)
	ps, pty := "NRJ", "Pop Music"
	_, err = db.Merge(98.5, &station.Update{PS: &ps, RTPlus: map[string]any{"item_title": "Song"}})
	require.NoError(t, err)
	_, err = db.Merge(101.1, &station.Update{ProgType: &pty})
	require.NoError(t, err)
	return settings
}

func execute(t *testing.T, settings *conf.Settings, args ...string) (string, error) {
	t.Helper()
	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListPrintsTable(t *testing.T) {
	t.Parallel()

	out, err := execute(t, seeded(t), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "FREQ")
	assert.Contains(t, out, "98.5")
	assert.Contains(t, out, "NRJ")
	assert.Contains(t, out, "Song")
	assert.Contains(t, out, "101.1")
}

func TestListRDSOnlyAsJSON(t *testing.T) {
	t.Parallel()

	out, err := execute(t, seeded(t), "list", "--rds", "--json")
	require.NoError(t, err)
	var list []station.Station
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.InDelta(t, 98.5, list[0].Freq, 1e-9)
}

func TestListEmptyDatabase(t *testing.T) {
	t.Parallel()

	settings := conf.NewTestSettings().
		WithStationsPath(filepath.Join(t.TempDir(), "stations.json")).
		Build()
	out, err := execute(t, settings, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "run a scan first")
}

func TestShowStation(t *testing.T) {
	t.Parallel()

	settings := seeded(t)
	out, err := execute(t, settings, "show", "98.5MHz")
	require.NoError(t, err)
	var st station.Station
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.NotNil(t, st.PS)
	assert.Equal(t, "NRJ", *st.PS)

	_, err = execute(t, settings, "show", "90.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no station known at 90 MHz")

	_, err = execute(t, settings, "show", "200")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside")
}
