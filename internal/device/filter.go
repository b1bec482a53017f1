package device

import "github.com/mattjoyce/stackfleet/internal/config"

// Predicate reports whether a device should get a stack.
type Predicate func(Device) bool

// Filter returns the devices matching every predicate, preserving order.
func Filter(devices []Device, preds ...Predicate) []Device {
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if matchAll(d, preds) {
			out = append(out, d)
		}
	}
	return out
}

func matchAll(d Device, preds []Predicate) bool {
	for _, p := range preds {
		if !p(d) {
			return false
		}
	}
	return true
}

// IsPresent matches devices whose present field exists and is true.
func IsPresent() Predicate {
	return func(d Device) bool { return d.Present != nil && *d.Present }
}

// HasABI matches devices that report an ABI.
func HasABI() Predicate {
	return func(d Device) bool { return d.ABI != "" }
}

// NotInUse matches devices whose using field exists and is false.
func NotInUse() Predicate {
	return func(d Device) bool { return d.Using != nil && !*d.Using }
}

// SerialIn matches devices whose serial is listed.
func SerialIn(serials ...string) Predicate {
	set := make(map[string]bool, len(serials))
	for _, s := range serials {
		set[s] = true
	}
	return func(d Device) bool { return set[d.Serial] }
}

// Available is the default selector: present, reporting an ABI, not in use.
func Available() Predicate {
	present, abi, free := IsPresent(), HasABI(), NotInUse()
	return func(d Device) bool { return present(d) && abi(d) && free(d) }
}

// FromConfig builds the predicate set described by the devices section.
func FromConfig(cfg config.DevicesConfig) []Predicate {
	var preds []Predicate
	if cfg.RequirePresent {
		preds = append(preds, IsPresent())
	}
	if cfg.RequireABI {
		preds = append(preds, HasABI())
	}
	if cfg.ExcludeInUse {
		preds = append(preds, NotInUse())
	}
	if len(cfg.Serials) > 0 {
		preds = append(preds, SerialIn(cfg.Serials...))
	}
	return preds
}

// Exists matches devices on which the named field is set. Unknown field
// names never match.
func Exists(field string) Predicate {
	return func(d Device) bool {
		switch field {
		case "serial":
			return d.Serial != ""
		case "name":
			return d.Name != ""
		case "model":
			return d.Model != ""
		case "abi":
			return d.ABI != ""
		case "present":
			return d.Present != nil
		case "using":
			return d.Using != nil
		default:
			_, ok := d.Tags[field]
			return ok
		}
	}
}
