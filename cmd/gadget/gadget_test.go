package gadget

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/gadgetbridge/internal/conf"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()

	root := filepath.Join(dir, "g1")
	functions := filepath.Join(root, "functions", "uac2.0")
	config := filepath.Join(root, "configs", "b.1")
	require.NoError(t, os.MkdirAll(functions, 0o755))
	require.NoError(t, os.MkdirAll(config, 0o755))
	require.NoError(t, os.Symlink(functions, filepath.Join(config, "f1")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "UDC"), []byte("fe980000.usb\n"), 0o644))

	cards := filepath.Join(dir, "cards")
	require.NoError(t, os.WriteFile(cards, []byte(" 1 [UAC2Gadget     ]: UAC2_Gadget - UAC2_Gadget\n"), 0o644))

	settings := &conf.Settings{}
	settings.Gadget.ConfigFS = root
	settings.Gadget.Cards = cards
	settings.Gadget.DevDir = dir
	return settings
}

func TestRunReportsStatus(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)
	require.NoError(t, os.WriteFile(filepath.Join(settings.Gadget.DevDir, "pcmC1D0c"), nil, 0o644))

	var buf bytes.Buffer
	require.NoError(t, run(&buf, settings))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "fe980000.usb", got["udc"])
	assert.Equal(t, true, got["bound"])
	assert.Equal(t, []any{"uac2"}, got["functions"])
	assert.Equal(t, true, got["audio_active"])
	assert.Equal(t, 1, got["card"])
	assert.NotContains(t, got, "card_error")
}

func TestRunReportsMissingCard(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)

	var buf bytes.Buffer
	require.NoError(t, run(&buf, settings))
	assert.Contains(t, buf.String(), "card_error:")
	assert.NotContains(t, buf.String(), "card: ")
}
