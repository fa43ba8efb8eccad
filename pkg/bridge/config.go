// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full bridge configuration.
type Config struct {
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	AppService   AppServiceConfig   `yaml:"appservice"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Portals      []PortalConfig     `yaml:"portals"`
	AutoReg      AutoRegConfig      `yaml:"auto_registration"`
	Backend      BackendConfig      `yaml:"backend"`
	Database     dbutil.Config      `yaml:"database"`
	Logging      zeroconfig.Config  `yaml:"logging"`
}

type HomeserverConfig struct {
	// Address is the URL the bridge reaches the homeserver on.
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	// Registration is the path to the appservice registration YAML.
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type BridgeConfig struct {
	// UserPrefix is the localpart prefix of ghost users,
	// e.g. "_bifrost_" in @_bifrost_xmpp_alice=40example.org:domain.
	UserPrefix string `yaml:"user_prefix"`
	// JoinTimeoutMS bounds remote group joins. Expired joins fail and
	// are never auto-retried.
	JoinTimeoutMS int `yaml:"join_timeout_ms"`
}

// JoinTimeout returns the configured remote-join deadline.
func (bc *BridgeConfig) JoinTimeout() time.Duration {
	if bc.JoinTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(bc.JoinTimeoutMS) * time.Millisecond
}

type ProvisioningConfig struct {
	// EnablePlumbing allows retrofitting bridges onto existing rooms via
	// the in-room !purple command.
	EnablePlumbing bool `yaml:"enable_plumbing"`
	// RequiredUserPL is the minimum power level to run plumbing commands.
	RequiredUserPL int `yaml:"required_user_pl"`
}

// PortalConfig declares one alias pattern that maps room aliases to
// remote conversations.
type PortalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Protocol string `yaml:"protocol"`
	// Regex matches the alias localpart. Capture groups can be
	// referenced from property values as $1, $2, ...
	Regex string `yaml:"regex"`
	// Properties are join property templates, e.g. room: "$1".
	Properties map[string]string `yaml:"properties"`
}

type AutoRegConfig struct {
	Enabled bool `yaml:"enabled"`
	// Protocols maps protocol ids to registration templates.
	Protocols map[string]AutoRegProtocol `yaml:"protocols"`
}

type AutoRegProtocol struct {
	// UsernameTemplate derives the remote username from the Matrix user.
	// Placeholders: {localpart}, {domain}, {mxid}.
	UsernameTemplate string `yaml:"username_template"`
}

type BackendConfig struct {
	// Type selects a compiled-in backend from the bifrost registry.
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills defaults.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Bridge.UserPrefix == "" {
		c.Bridge.UserPrefix = "_bifrost_"
	}
	if c.Provisioning.RequiredUserPL == 0 {
		c.Provisioning.RequiredUserPL = 50
	}
	if c.Backend.Type == "" {
		return fmt.Errorf("backend.type is required")
	}
	for i, portal := range c.Portals {
		if portal.Enabled && portal.Regex == "" {
			return fmt.Errorf("portals[%d]: regex is required", i)
		}
	}
	return nil
}
