// Package directory provides the site's printer list from a configuration file.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const keyPrinters = "printers"

// ErrInvalidDirectory is returned for a printers file that cannot be used.
var ErrInvalidDirectory = errors.New("invalid printer directory")

type printerEntry struct {
	Name         string              `mapstructure:"name"`
	DisplayName  string              `mapstructure:"display_name"`
	Groups       []string            `mapstructure:"groups"`
	Disabled     bool                `mapstructure:"disabled"`
	Capabilities map[string][]string `mapstructure:"capabilities"`
}

// Static is an in-memory outbox.PrinterDirectory. Reload swaps the list atomically.
type Static struct {
	mutex    sync.RWMutex
	printers []outbox.Printer
}

// NewStatic returns a directory over printers.
func NewStatic(printers []outbox.Printer) (*Static, error) {
	directory := &Static{}
	if err := directory.Replace(printers); err != nil {
		return nil, err
	}
	return directory, nil
}

// Load reads a printers file (YAML, JSON or TOML, by extension) of the form
//
//	printers:
//	  - name: lobby-1
//	    display_name: Lobby 1
//	    groups: [public]
//	    capabilities:
//	      media: [a4, letter]
func Load(path string) (*Static, error) {
	printers, err := readPrinters(path)
	if err != nil {
		return nil, err
	}
	return NewStatic(printers)
}

// Reload replaces the printer list with the contents of path.
func (directory *Static) Reload(path string) error {
	printers, err := readPrinters(path)
	if err != nil {
		return err
	}
	return directory.Replace(printers)
}

// Replace swaps in a new printer list. Names must be unique.
func (directory *Static) Replace(printers []outbox.Printer) error {
	seen := make(map[string]struct{}, len(printers))
	copied := make([]outbox.Printer, 0, len(printers))
	for _, printer := range printers {
		name := strings.TrimSpace(printer.Name)
		if name == "" {
			return fmt.Errorf("%w: printer without name", ErrInvalidDirectory)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: duplicate printer %q", ErrInvalidDirectory, name)
		}
		seen[name] = struct{}{}
		printer.Name = name
		if strings.TrimSpace(printer.DisplayName) == "" {
			printer.DisplayName = name
		}
		copied = append(copied, printer)
	}
	sort.SliceStable(copied, func(left, right int) bool {
		return copied[left].DisplayName < copied[right].DisplayName
	})
	directory.mutex.Lock()
	directory.printers = copied
	directory.mutex.Unlock()
	return nil
}

// Printers returns a copy of the printer list ordered by display name.
func (directory *Static) Printers(ctx context.Context) ([]outbox.Printer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	return append([]outbox.Printer(nil), directory.printers...), nil
}

func readPrinters(path string) ([]outbox.Printer, error) {
	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidDirectory, path, err)
	}
	var entries []printerEntry
	if err := reader.UnmarshalKey(keyPrinters, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidDirectory, path, err)
	}
	printers := make([]outbox.Printer, 0, len(entries))
	for _, entry := range entries {
		capabilities := make(map[string][]string, len(entry.Capabilities))
		for option, values := range entry.Capabilities {
			capabilities[strings.ToLower(option)] = values
		}
		printers = append(printers, outbox.Printer{
			Name:         entry.Name,
			DisplayName:  entry.DisplayName,
			Groups:       entry.Groups,
			Enabled:      !entry.Disabled,
			Capabilities: capabilities,
		})
	}
	return printers, nil
}
