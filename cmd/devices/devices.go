// Package devices implements the devices command, which lists sound cards
// and the PCM devices the audio backend can open.
package devices

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/gadget"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/pcm"
)

// Command creates the devices command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List sound cards and audio devices",
		Long:  "List the ALSA sound cards, mark the UAC2 gadget card and show the devices available for capture and playback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), settings)
		},
	}
}

func run(out io.Writer, settings *conf.Settings) error {
	log := logger.Global().Module("devices")

	cards, err := gadget.ListCards(settings.Gadget.Cards)
	if err != nil {
		// Not fatal, the backend can still enumerate devices.
		log.Warn("sound card list unavailable", logger.Error(err))
	}
	gadgetCard, err := gadget.FindCard(settings.Gadget.Cards, settings.Gadget.DevDir)
	if err != nil {
		log.Debug("UAC2 gadget card not detected", logger.Error(err))
	}

	alsa := pcm.NewALSA(logger.Global().Module("pcm"))
	defer func() {
		if err := alsa.Close(); err != nil {
			log.Warn("failed to release audio context", logger.Error(err))
		}
	}()

	devices := make(map[pcm.Direction][]pcm.DeviceInfo, 2)
	for _, dir := range []pcm.Direction{pcm.Capture, pcm.Playback} {
		list, err := alsa.Devices(dir)
		if err != nil {
			return err
		}
		devices[dir] = list
	}

	return writeReport(out, cards, gadgetCard, devices)
}

// writeReport prints cards and devices as aligned tables.
func writeReport(out io.Writer, cards []gadget.Card, gadgetCard int, devices map[pcm.Direction][]pcm.DeviceInfo) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "CARD\tID\tDRIVER\tNAME\tGADGET")
	for _, c := range cards {
		mark := ""
		if c.Index == gadgetCard {
			mark = "yes"
		} else if c.IsUAC2() {
			mark = "no capture node"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.Index, c.ID, c.Driver, c.Name, mark)
	}
	if len(cards) == 0 {
		fmt.Fprintln(tw, "-\t-\t-\tno sound cards found\t")
	}

	for _, dir := range []pcm.Direction{pcm.Capture, pcm.Playback} {
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "%s DEVICE\tCARD\tDEVICE\tID\tDEFAULT\n", dir)
		for _, d := range devices[dir] {
			card := "-"
			if d.Card >= 0 {
				card = fmt.Sprint(d.Card)
			}
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.Name, card, d.Device, d.ID, def)
		}
	}

	return tw.Flush()
}
