package config

import (
	"time"

	"github.com/machinefabric/quickd/wire"
)

const (
	defaultSocketName          = "quickd.sock"
	defaultRegistrationTimeout = 3 * time.Second
	defaultLivenessInterval    = 5 * time.Second
	defaultLivenessThreshold   = 3
	defaultMaxRestarts         = 5
	defaultRestartBackoff      = 500 * time.Millisecond
	defaultMaxBackoff          = 30 * time.Second
	defaultRestartWindow       = 5 * time.Minute
	defaultStopGrace           = time.Second
	defaultBatchWindow         = 10 * time.Millisecond
	defaultRequestTimeout      = 5 * time.Second
	defaultMaxInFlight         = 16
	defaultInboundQueue        = 64
	defaultOutboundQueue       = 256
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
)

var (
	defaultOpenCommand      = []string{"xdg-open"}
	defaultClipboardCommand = []string{"wl-copy"}
	defaultLaunchCommand    = []string{"gtk-launch"}
	systemPluginDirs        = []string{"/usr/local/lib/quickd/plugins", "/usr/lib/quickd/plugins"}
)

// Default returns a Config populated with built-in defaults. Socket and
// plugin directories stay empty until normalize resolves them from the
// environment.
func Default() Config {
	return Config{
		Plugins: Plugins{
			RegistrationTimeout: Duration(defaultRegistrationTimeout),
			LivenessInterval:    Duration(defaultLivenessInterval),
			LivenessThreshold:   defaultLivenessThreshold,
			MaxRestarts:         defaultMaxRestarts,
			RestartBackoff:      Duration(defaultRestartBackoff),
			MaxBackoff:          Duration(defaultMaxBackoff),
			RestartWindow:       Duration(defaultRestartWindow),
			StopGrace:           Duration(defaultStopGrace),
		},
		Routing: Routing{
			BatchWindow:    Duration(defaultBatchWindow),
			RequestTimeout: Duration(defaultRequestTimeout),
			MaxInFlight:    defaultMaxInFlight,
		},
		Connections: Connections{
			InboundQueue:   defaultInboundQueue,
			OutboundQueue:  defaultOutboundQueue,
			MaxMessageSize: wire.DefaultMaxMessage,
		},
		Actions: Actions{
			Open:      append([]string(nil), defaultOpenCommand...),
			Clipboard: append([]string(nil), defaultClipboardCommand...),
			Launch:    append([]string(nil), defaultLaunchCommand...),
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
