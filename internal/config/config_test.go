package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Listen string   `json:"listen"`
	Mons   []string `json:"mons"`
	Grace  Duration `json:"grace"`
	Tick   Duration `json:"tick"`
}

// TestLoadJSON tests that a file overrides only the fields it names.
func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mons":["a:1","b:2"],"grace":"20s","tick":1000}`), 0600))

	cfg := sample{Listen: ":6800", Grace: Duration(time.Second)}
	require.NoError(t, LoadJSON(path, &cfg))

	assert.Equal(t, ":6800", cfg.Listen)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Mons)
	assert.Equal(t, Duration(20*time.Second), cfg.Grace)
	assert.Equal(t, Duration(1000), cfg.Tick)
}

// TestLoadJSONErrors tests a missing file and a bad duration.
func TestLoadJSONErrors(t *testing.T) {
	var cfg sample
	assert.Error(t, LoadJSON(filepath.Join(t.TempDir(), "missing.json"), &cfg))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"grace":"soon"}`), 0600))
	assert.Error(t, LoadJSON(path, &cfg))
}

// TestDurationRoundTrip tests the string form of a duration.
func TestDurationRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Duration(4 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"4s"`, string(raw))
}

// TestEnvOverrides tests the NESTFS_ environment helpers.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("NESTFS_LISTEN", " :7000 ")
	t.Setenv("NESTFS_MONS", "a:1, ,b:2")
	t.Setenv("NESTFS_DUMP", "yes")
	t.Setenv("NESTFS_RANKS", "3")
	t.Setenv("NESTFS_GRACE", "9s")
	t.Setenv("NESTFS_EMPTY", "")

	listen := ":6800"
	EnvString(&listen, "LISTEN")
	assert.Equal(t, ":7000", listen)

	var mons []string
	EnvList(&mons, "MONS")
	assert.Equal(t, []string{"a:1", "b:2"}, mons)

	var dump bool
	EnvBool(&dump, "DUMP")
	assert.True(t, dump)

	var ranks int
	require.NoError(t, EnvInt(&ranks, "RANKS"))
	assert.Equal(t, 3, ranks)

	var grace Duration
	require.NoError(t, EnvDuration(&grace, "GRACE"))
	assert.Equal(t, Duration(9*time.Second), grace)

	keep := "unchanged"
	EnvString(&keep, "EMPTY")
	assert.Equal(t, "unchanged", keep)
}

// TestEnvBadValues tests that unparsable overrides are reported.
func TestEnvBadValues(t *testing.T) {
	t.Setenv("NESTFS_RANKS", "many")
	t.Setenv("NESTFS_GRACE", "later")

	var ranks int
	assert.Error(t, EnvInt(&ranks, "RANKS"))

	var grace Duration
	assert.Error(t, EnvDuration(&grace, "GRACE"))
}
