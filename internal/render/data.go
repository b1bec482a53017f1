// Package render turns the stack templates into one docker-compose.yml and
// app.sh per device.
package render

import (
	"strings"

	"github.com/mattjoyce/stackfleet/internal/config"
	"github.com/mattjoyce/stackfleet/internal/device"
	"github.com/mattjoyce/stackfleet/internal/users"
)

// AppData is what the app script template sees.
type AppData struct {
	AppName     string
	DeviceNames string
	CaseName    string
}

// StackData is what the compose template sees for one device.
type StackData struct {
	AppData
	Serial         string
	ContainerName  string
	Volumes        []string
	LogVolumePaths string
	User           users.User
	Device         device.Device
	Extra          map[string]string
}

// BuildStackData derives one device's template values from the shared stack
// settings. The per-serial volume is appended, the container is named after
// the serial and every placeholder in the log volume paths is replaced by
// the serial.
func BuildStackData(cfg config.StackConfig, d device.Device, u users.User) StackData {
	volumes := make([]string, 0, len(cfg.Volumes)+1)
	volumes = append(volumes, cfg.Volumes...)
	volumes = append(volumes, d.Serial+":"+cfg.MountTarget)

	logPaths := cfg.LogVolumePaths
	if cfg.Placeholder != "" {
		logPaths = strings.ReplaceAll(logPaths, cfg.Placeholder, d.Serial)
	}

	extra := make(map[string]string, len(cfg.Extra))
	for k, v := range cfg.Extra {
		extra[k] = v
	}

	return StackData{
		AppData: AppData{
			AppName:     cfg.AppName,
			DeviceNames: cfg.DeviceNames,
			CaseName:    cfg.CaseName,
		},
		Serial:         d.Serial,
		ContainerName:  d.Serial,
		Volumes:        volumes,
		LogVolumePaths: logPaths,
		User:           u,
		Device:         d,
		Extra:          extra,
	}
}

// BuildAll pairs devices with users in order. Devices beyond the end of
// accounts get a zero User.
func BuildAll(cfg config.StackConfig, devices []device.Device, accounts []users.User) []StackData {
	out := make([]StackData, len(devices))
	for i, d := range devices {
		var u users.User
		if i < len(accounts) {
			u = accounts[i]
		}
		out[i] = BuildStackData(cfg, d, u)
	}
	return out
}
