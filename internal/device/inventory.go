// Package device loads the device inventory and selects the devices that get
// a stack on this run.
package device

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stackfleet/internal/log"
)

// Device is one inventory record. Present and Using are pointers so a
// selector can tell an absent field from a false one.
type Device struct {
	Serial  string            `yaml:"serial" json:"serial"`
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	Model   string            `yaml:"model,omitempty" json:"model,omitempty"`
	ABI     string            `yaml:"abi,omitempty" json:"abi,omitempty"`
	Present *bool             `yaml:"present,omitempty" json:"present,omitempty"`
	Using   *bool             `yaml:"using,omitempty" json:"using,omitempty"`
	Tags    map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

type inventoryFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadInventory reads devices from a YAML or JSON file. Both a top-level
// `devices:` list and a bare list are accepted.
func LoadInventory(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes inventory bytes and drops records that cannot be
// used as a stack directory name.
func ParseInventory(data []byte) ([]Device, error) {
	var devices []Device
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' || trimmed[0] == '-' {
		if err := yaml.Unmarshal(trimmed, &devices); err != nil {
			return nil, fmt.Errorf("parse inventory: %w", err)
		}
	} else {
		var f inventoryFile
		if err := yaml.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("parse inventory: %w", err)
		}
		devices = f.Devices
	}

	return dedupe(devices), nil
}

// dedupe keeps the first record per serial and drops invalid serials.
func dedupe(devices []Device) []Device {
	logger := log.WithComponent("device")
	seen := make(map[string]bool, len(devices))
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		d.Serial = strings.TrimSpace(d.Serial)
		if err := ValidateSerial(d.Serial); err != nil {
			logger.Warn("skipping inventory record", "serial", d.Serial, "error", err)
			continue
		}
		if seen[d.Serial] {
			logger.Warn("duplicate serial in inventory, keeping first", "serial", d.Serial)
			continue
		}
		seen[d.Serial] = true
		out = append(out, d)
	}
	return out
}

// ValidateSerial rejects serials that are unsafe as a single path element.
func ValidateSerial(serial string) error {
	if serial == "" {
		return fmt.Errorf("serial is empty")
	}
	if serial == "." || serial == ".." {
		return fmt.Errorf("serial %q is invalid", serial)
	}
	if strings.ContainsAny(serial, `/\`) {
		return fmt.Errorf("serial %q must not contain path separators", serial)
	}
	if strings.HasPrefix(serial, ".") {
		return fmt.Errorf("serial %q must not start with a dot", serial)
	}
	return nil
}

// Serials returns the serial of every device, in order.
func Serials(devices []Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.Serial
	}
	return out
}
