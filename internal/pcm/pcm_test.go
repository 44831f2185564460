package pcm

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

func TestConfigSizes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(0, 480)
	assert.Equal(t, DefaultRate, cfg.Rate)
	assert.Equal(t, 480*BytesPerFrame, cfg.PeriodBytes())
	assert.Equal(t, 10*time.Millisecond, cfg.PeriodDuration())
}

func TestMemoryReadSemantics(t *testing.T) {
	t.Parallel()

	m := NewMemory(DefaultConfig(48000, 2))
	buf := make([]byte, m.FramesToBytes(2))

	require.ErrorIs(t, m.Read(buf), ErrNoData)

	m.Feed([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	ok, err := m.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Read(buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)

	m.FailReads(ErrXrun)
	require.ErrorIs(t, m.Read(buf), ErrXrun)
	assert.Equal(t, 3, m.Reads())
}

func TestMemoryWaitTimesOut(t *testing.T) {
	t.Parallel()

	m := NewMemory(Config{})
	start := time.Now()
	ok, err := m.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryClose(t *testing.T) {
	t.Parallel()

	m := NewMemory(Config{})
	require.NoError(t, m.Close())
	assert.False(t, m.IsReady())
	_, err := m.Wait(time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, m.Write([]byte{0}), ErrClosed)
}

func TestMemoryOpenerFailsFirstOpens(t *testing.T) {
	t.Parallel()

	o := NewMemoryOpener(2)
	cfg := DefaultConfig(48000, 1024)

	for range 2 {
		_, err := o.Open(1, 0, Capture, cfg)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryAudioSource))
	}

	ep, err := o.Open(1, 0, Capture, cfg)
	require.NoError(t, err)
	assert.True(t, ep.IsReady())
	assert.Same(t, o.Endpoint(Capture), ep)
	assert.Equal(t, 3, o.Opens())
	assert.Equal(t, 1024, o.Configs()[2].PeriodSize)
}

func TestMemoryOpenerFailsForever(t *testing.T) {
	t.Parallel()

	o := NewMemoryOpener(-1)
	for range 5 {
		_, err := o.Open(0, 0, Playback, Config{PeriodSize: 1})
		require.Error(t, err)
	}
}

func TestParseHardwareID(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		id           string
		card, device int
		ok           bool
	}{
		{"hw:1,0", 1, 0, true},
		{":2,3", 2, 3, true},
		{"plughw:CARD=UAC2Gadget,DEV=0", 0, 0, false},
		{"default", 0, 0, false},
		{"hw:x,0", 0, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			t.Parallel()
			card, device, ok := parseHardwareID(tc.id)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.card, card)
				assert.Equal(t, tc.device, device)
			}
		})
	}
}

func TestDecodeDeviceID(t *testing.T) {
	t.Parallel()

	encoded := hex.EncodeToString(append([]byte("hw:1,0"), 0, 0, 0))
	assert.Equal(t, "hw:1,0", decodeDeviceID(encoded))
	assert.Equal(t, "zz", decodeDeviceID("zz"), "undecodable ids pass through")
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "roundtrip.wav")
	cfg := DefaultConfig(8000, 80)
	opener := &WAVOpener{Input: path, Output: path}

	sink, err := opener.Open(0, 0, Playback, cfg)
	require.NoError(t, err)

	period := make([]byte, cfg.PeriodBytes())
	for i := range period {
		period[i] = byte(i)
	}
	require.NoError(t, sink.Write(period))
	require.NoError(t, sink.Write(period))
	require.NoError(t, sink.Close())

	src, err := opener.Open(0, 0, Capture, cfg)
	require.NoError(t, err)
	defer src.Close()

	got := make([]byte, cfg.PeriodBytes())
	for range 2 {
		ok, err := src.Wait(time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, src.Read(got))
		assert.Equal(t, period, got)
	}

	require.ErrorIs(t, src.Read(got), ErrNoData, "end of file without loop reads as no data")
}

func TestWAVRejectsFormatMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mono.wav")
	sink, err := (&WAVOpener{Output: path}).Open(0, 0, Playback, Config{Channels: 1, Rate: 8000, PeriodSize: 80})
	require.NoError(t, err)
	require.NoError(t, sink.Write(make([]byte, 160)))
	require.NoError(t, sink.Close())

	_, err = (&WAVOpener{Input: path}).Open(0, 0, Capture, DefaultConfig(8000, 80))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestSampleConversion(t *testing.T) {
	t.Parallel()

	ints := s16ToInts(nil, []byte{0xff, 0x7f, 0x00, 0x80, 0x01, 0x00})
	assert.Equal(t, []int{32767, -32768, 1}, ints)

	out := make([]byte, 6)
	intsToS16(out, ints)
	assert.Equal(t, []byte{0xff, 0x7f, 0x00, 0x80, 0x01, 0x00}, out)
}
