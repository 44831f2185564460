package gadget

import (
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// Status is a snapshot of a configfs gadget.
type Status struct {
	// UDC is the bound controller, "" when unbound.
	UDC       string   `yaml:"udc" json:"udc"`
	Bound     bool     `yaml:"bound" json:"bound"`
	Functions []string `yaml:"functions" json:"functions"`
}

// HasFunction reports whether the named function is linked into the
// active configuration.
func (s Status) HasFunction(name string) bool {
	return slices.Contains(s.Functions, name)
}

// AudioActive reports whether the UAC2 function is linked and bound.
func (s Status) AudioActive() bool {
	return s.Bound && s.HasFunction("uac2")
}

// ReadStatus reads the UDC binding and the functions linked into
// configs/b.1 under root.
func ReadStatus(root string) (Status, error) {
	var st Status

	udc, err := os.ReadFile(filepath.Join(root, "UDC"))
	if err != nil {
		return st, errors.New(err).
			Component("gadget").
			Category(errors.CategoryFileIO).
			Context("operation", "read_udc").
			Context("path", root).
			Build()
	}
	name := strings.TrimSpace(string(udc))
	if name != "" && name != "none" {
		st.UDC = name
		st.Bound = true
	}

	links, err := filepath.Glob(filepath.Join(root, "configs", "b.1", "f*"))
	if err != nil {
		return st, errors.New(err).
			Component("gadget").
			Category(errors.CategoryFileIO).
			Context("operation", "list_functions").
			Build()
	}
	sort.Strings(links)

	for _, link := range links {
		target, err := os.Readlink(link)
		if err != nil {
			// Not a symlink.
			continue
		}
		st.Functions = append(st.Functions, normalizeFunction(filepath.Base(target)))
	}
	return st, nil
}

// normalizeFunction maps configfs instance names to function names:
// "uac2.0" becomes "uac2" and "ffs.adb" becomes "adb".
func normalizeFunction(name string) string {
	switch {
	case strings.HasPrefix(name, "uac2"):
		return "uac2"
	case strings.HasPrefix(name, "ffs."):
		return strings.TrimPrefix(name, "ffs.")
	default:
		return name
	}
}
