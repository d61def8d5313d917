package connlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/isomet/ims-sdk/transport"
	"github.com/isomet/ims-sdk/transport/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	transport.Register("connlist-test-ok", func(channel string) (transport.Adapter, error) {
		return mock.New(), nil
	})
	transport.Register("connlist-test-panic", func(channel string) (transport.Adapter, error) {
		panic("simulated driver load failure")
	})
}

func tempSettingsPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "connection.xml")
}

func TestNewSkipsPanickingAdapterAndKeepsOthers(t *testing.T) {
	l := New(nil)
	assert.NotNil(t, l.Adapter("connlist-test-ok"))
	assert.Nil(t, l.Adapter("connlist-test-panic"))
}

func TestScanConcatenatesEnabledAdapters(t *testing.T) {
	l := New(nil)
	descs, err := l.Scan("")
	require.NoError(t, err)
	found := false
	for _, d := range descs {
		if d.Adapter == "mock" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScanNamedAdapterIgnoresScanFlag(t *testing.T) {
	l := New(nil)
	l.SetScanEnabled("connlist-test-ok", false)

	// disabled for the bare scan...
	all, err := l.Scan("")
	require.NoError(t, err)
	assert.Empty(t, all)

	// ...but still reachable when named explicitly.
	named, err := l.Scan("connlist-test-ok")
	require.NoError(t, err)
	assert.NotEmpty(t, named)
}

func TestSettingsRoundTripThroughClose(t *testing.T) {
	path := tempSettingsPath(t)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	l := New(nil)
	l.settingsPath = path
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<connection>")
	assert.Contains(t, string(raw), `Name="connlist-test-ok"`)
}
