// Package gadget implements the gadget command, which reports the configfs
// state of the USB gadget.
package gadget

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/gadgetbridge/internal/conf"
	"github.com/tphakala/gadgetbridge/internal/gadget"
)

// report is the printed gadget state.
type report struct {
	gadget.Status `yaml:",inline"`
	AudioActive   bool   `yaml:"audio_active"`
	Card          *int   `yaml:"card,omitempty"`
	CardError     string `yaml:"card_error,omitempty"`
}

// Command creates the gadget command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "gadget",
		Short: "Show the USB gadget status",
		Long:  "Show the UDC binding and linked functions of the configfs gadget, and the ALSA card of its UAC2 function.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), settings)
		},
	}
}

func run(out io.Writer, settings *conf.Settings) error {
	st, err := gadget.ReadStatus(settings.Gadget.ConfigFS)
	if err != nil {
		return err
	}

	r := report{Status: st, AudioActive: st.AudioActive()}
	if card, err := gadget.FindCard(settings.Gadget.Cards, settings.Gadget.DevDir); err != nil {
		r.CardError = err.Error()
	} else {
		r.Card = &card
	}

	data, err := yaml.Marshal(&r)
	if err != nil {
		return fmt.Errorf("failed to encode gadget status: %w", err)
	}
	_, err = out.Write(data)
	return err
}
