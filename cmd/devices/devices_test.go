package devices

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/gadgetbridge/internal/gadget"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

func TestWriteReport(t *testing.T) {
	t.Parallel()

	cards := []gadget.Card{
		{Index: 0, ID: "Headphones", Driver: "bcm2835_headpho", Name: "bcm2835 Headphones"},
		{Index: 1, ID: "UAC2Gadget", Driver: "UAC2_Gadget", Name: "UAC2_Gadget"},
	}
	devices := map[pcm.Direction][]pcm.DeviceInfo{
		pcm.Capture: {
			{Name: "UAC2_Gadget", ID: "hw:1,0", Card: 1, Device: 0},
		},
		pcm.Playback: {
			{Name: "bcm2835 Headphones", ID: "hw:0,0", Card: 0, Device: 0, Default: true},
			{Name: "pulse", ID: "pulse", Card: -1},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, cards, 1, devices))
	out := buf.String()

	lines := strings.Split(out, "\n")
	assert.True(t, strings.HasPrefix(lines[0], "CARD"))
	assert.Regexp(t, `^1\s+UAC2Gadget\s+UAC2_Gadget\s+UAC2_Gadget\s+yes`, lines[2])
	assert.Contains(t, out, "capture DEVICE")
	assert.Contains(t, out, "playback DEVICE")
	assert.Regexp(t, `pulse\s+-\s+0\s+pulse`, out)
	assert.Regexp(t, `hw:0,0\s+\*`, out)
}

func TestWriteReportUndetectedGadget(t *testing.T) {
	t.Parallel()

	cards := []gadget.Card{{Index: 2, ID: "UAC2Gadget", Driver: "UAC2_Gadget", Name: "UAC2_Gadget"}}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, cards, -1, nil))
	assert.Contains(t, buf.String(), "no capture node")

	buf.Reset()
	require.NoError(t, writeReport(&buf, nil, -1, nil))
	assert.Contains(t, buf.String(), "no sound cards found")
}
