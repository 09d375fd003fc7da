package config

import (
	"errors"
	"fmt"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePlugins(); err != nil {
		return err
	}
	if err := c.validateRouting(); err != nil {
		return err
	}
	if err := c.validateConnections(); err != nil {
		return err
	}
	if err := c.validateActions(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePlugins() error {
	p := c.Plugins
	if p.RegistrationTimeout <= 0 {
		return errors.New("plugins.registration_timeout must be positive")
	}
	if p.LivenessInterval <= 0 {
		return errors.New("plugins.liveness_interval must be positive")
	}
	if p.LivenessThreshold < 1 {
		return errors.New("plugins.liveness_threshold must be at least 1")
	}
	if p.MaxRestarts < 0 {
		return errors.New("plugins.max_restarts must be zero or more")
	}
	if p.RestartBackoff <= 0 {
		return errors.New("plugins.restart_backoff must be positive")
	}
	if p.MaxBackoff < p.RestartBackoff {
		return errors.New("plugins.max_backoff must not be less than plugins.restart_backoff")
	}
	if p.RestartWindow <= 0 {
		return errors.New("plugins.restart_window must be positive")
	}
	if p.StopGrace < 0 {
		return errors.New("plugins.stop_grace must not be negative")
	}
	return nil
}

func (c *Config) validateRouting() error {
	if c.Routing.BatchWindow < 0 {
		return errors.New("routing.batch_window must not be negative")
	}
	if c.Routing.RequestTimeout <= 0 {
		return errors.New("routing.request_timeout must be positive")
	}
	if c.Routing.MaxInFlight < 1 {
		return errors.New("routing.max_in_flight must be at least 1")
	}
	return nil
}

func (c *Config) validateConnections() error {
	if c.Connections.InboundQueue < 1 {
		return errors.New("connections.inbound_queue must be at least 1")
	}
	if c.Connections.OutboundQueue < 1 {
		return errors.New("connections.outbound_queue must be at least 1")
	}
	if c.Connections.MaxMessageSize < 256 || c.Connections.MaxMessageSize > wire.MaxMessageHardLimit {
		return fmt.Errorf("connections.max_message_size must be between 256 and %d", wire.MaxMessageHardLimit)
	}
	return nil
}

func (c *Config) validateActions() error {
	if len(c.Actions.Open) == 0 || c.Actions.Open[0] == "" {
		return errors.New("actions.open must name a command")
	}
	if len(c.Actions.Clipboard) == 0 || c.Actions.Clipboard[0] == "" {
		return errors.New("actions.clipboard must name a command")
	}
	if len(c.Actions.Launch) == 0 || c.Actions.Launch[0] == "" {
		return errors.New("actions.launch must name a command")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format must be auto, console or json, got %q", c.Logging.Format)
	}
}
