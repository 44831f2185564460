// Package gadget locates the UAC2 gadget sound card and reports the state
// of the configfs USB gadget it belongs to.
package gadget

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// Default locations on a Linux device.
const (
	DefaultCardsPath = "/proc/asound/cards"
	DefaultDevDir    = "/dev/snd"
	DefaultConfigFS  = "/config/usb_gadget/g1"
)

// cardID is the ALSA id the UAC2 function driver registers.
const cardID = "uac2gadget"

// Card is one entry of /proc/asound/cards.
type Card struct {
	Index  int
	ID     string
	Driver string
	Name   string
}

// IsUAC2 reports whether the card belongs to the UAC2 gadget function.
func (c Card) IsUAC2() bool {
	driver := strings.ToLower(c.Driver)
	return strings.EqualFold(c.ID, cardID) ||
		(strings.Contains(driver, "uac2") && strings.Contains(driver, "gadget"))
}

// ListCards parses a /proc/asound/cards style file. Continuation lines are
// skipped.
func ListCards(path string) ([]Card, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("gadget").
			Category(errors.CategoryFileIO).
			Context("operation", "list_cards").
			Context("path", path).
			Build()
	}
	defer func() { _ = file.Close() }()

	var cards []Card
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if card, ok := parseCardLine(scanner.Text()); ok {
			cards = append(cards, card)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(err).
			Component("gadget").
			Category(errors.CategoryFileIO).
			Context("operation", "list_cards").
			Context("path", path).
			Build()
	}
	return cards, nil
}

// parseCardLine parses " 1 [UAC2Gadget     ]: UAC2_Gadget - UAC2_Gadget".
func parseCardLine(line string) (Card, bool) {
	open := strings.IndexByte(line, '[')
	closing := strings.IndexByte(line, ']')
	if open < 0 || closing < open {
		return Card{}, false
	}

	index, err := strconv.Atoi(strings.TrimSpace(line[:open]))
	if err != nil {
		return Card{}, false
	}

	card := Card{
		Index: index,
		ID:    strings.TrimSpace(line[open+1 : closing]),
	}
	rest := strings.TrimPrefix(strings.TrimSpace(line[closing+1:]), ":")
	driver, name, _ := strings.Cut(rest, " - ")
	card.Driver = strings.TrimSpace(driver)
	card.Name = strings.TrimSpace(name)
	return card, true
}

// CapturePath returns the capture device node of card's first PCM.
func CapturePath(devDir string, card int) string {
	return filepath.Join(devDir, fmt.Sprintf("pcmC%dD0c", card))
}

// FindCard returns the index of the UAC2 gadget card whose capture node
// exists.
func FindCard(cardsPath, devDir string) (int, error) {
	cards, err := ListCards(cardsPath)
	if err != nil {
		return -1, err
	}

	idx := slices.IndexFunc(cards, Card.IsUAC2)
	if idx < 0 {
		return -1, errors.Newf("UAC2 gadget card not found, is USB connected?").
			Component("gadget").
			Category(errors.CategoryNotFound).
			Context("path", cardsPath).
			Build()
	}

	card := cards[idx].Index
	node := CapturePath(devDir, card)
	if _, err := os.Stat(node); err != nil {
		return -1, errors.Newf("card %d found but %s is missing", card, filepath.Base(node)).
			Component("gadget").
			Category(errors.CategoryNotFound).
			Context("device_node", node).
			Build()
	}
	return card, nil
}
