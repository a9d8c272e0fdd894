package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
)

// Default values written by the installer.
const (
	DefaultListen   = ":5667"
	DefaultObfs     = "zivpn"
	DefaultAuthMode = "passwords"
)

// VPNConfig is the zivpn server configuration (config.json). Keys the bot does
// not know about are kept and written back unchanged.
type VPNConfig struct {
	Listen string
	Cert   string
	Key    string
	Obfs   string
	Auth   AuthConfig

	extra map[string]json.RawMessage
}

// AuthConfig is the "auth" section; Config holds the allowed usernames.
type AuthConfig struct {
	Mode   string
	Config []string

	extra map[string]json.RawMessage
}

// DefaultVPNConfig returns the configuration the installer scaffolds in dir.
func DefaultVPNConfig(dir string) VPNConfig {
	return VPNConfig{
		Listen: DefaultListen,
		Cert:   filepath.Join(dir, "zivpn.crt"),
		Key:    filepath.Join(dir, "zivpn.key"),
		Obfs:   DefaultObfs,
		Auth: AuthConfig{
			Mode:   DefaultAuthMode,
			Config: []string{ProtectedUsername},
		},
	}
}

// HasUser reports whether username is present in auth.config.
func (c VPNConfig) HasUser(username string) bool {
	return slices.Contains(c.Auth.Config, username)
}

// AddUser appends username to auth.config. It returns false when already present.
func (c *VPNConfig) AddUser(username string) bool {
	if c.HasUser(username) {
		return false
	}
	c.Auth.Config = append(c.Auth.Config, username)
	return true
}

// RemoveUser drops username from auth.config. It returns false when absent.
func (c *VPNConfig) RemoveUser(username string) bool {
	idx := slices.Index(c.Auth.Config, username)
	if idx < 0 {
		return false
	}
	c.Auth.Config = slices.Delete(c.Auth.Config, idx, idx+1)
	return true
}

// MarshalJSON merges the known fields over the preserved unknown ones.
func (c VPNConfig) MarshalJSON() ([]byte, error) {
	out := cloneRaw(c.extra)

	auth, err := json.Marshal(c.Auth)
	if err != nil {
		return nil, err
	}

	for key, value := range map[string]any{
		"listen": c.Listen,
		"cert":   c.Cert,
		"key":    c.Key,
		"obfs":   c.Obfs,
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[key] = raw
	}
	out["auth"] = auth

	return json.Marshal(out)
}

// UnmarshalJSON requires an object with an "auth.config" string list.
func (c *VPNConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: expected an object", ErrInvalidConfig)
	}

	authRaw, ok := raw["auth"]
	if !ok {
		return fmt.Errorf("%w: missing auth section", ErrInvalidConfig)
	}

	var parsed VPNConfig
	if err := json.Unmarshal(authRaw, &parsed.Auth); err != nil {
		return err
	}

	for key, dst := range map[string]*string{
		"listen": &parsed.Listen,
		"cert":   &parsed.Cert,
		"key":    &parsed.Key,
		"obfs":   &parsed.Obfs,
	} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
	}

	delete(raw, "auth")
	delete(raw, "listen")
	delete(raw, "cert")
	delete(raw, "key")
	delete(raw, "obfs")
	parsed.extra = raw

	*c = parsed
	return nil
}

// MarshalJSON merges mode and config over the preserved unknown auth keys.
func (a AuthConfig) MarshalJSON() ([]byte, error) {
	out := cloneRaw(a.extra)

	mode, err := json.Marshal(a.Mode)
	if err != nil {
		return nil, err
	}
	users := a.Config
	if users == nil {
		users = []string{}
	}
	list, err := json.Marshal(users)
	if err != nil {
		return nil, err
	}

	out["mode"] = mode
	out["config"] = list

	return json.Marshal(out)
}

// UnmarshalJSON requires "config" to be a list of strings.
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return fmt.Errorf("%w: auth must be an object", ErrInvalidConfig)
	}

	listRaw, ok := raw["config"]
	if !ok {
		return fmt.Errorf("%w: missing auth.config", ErrInvalidConfig)
	}

	var parsed AuthConfig
	if err := json.Unmarshal(listRaw, &parsed.Config); err != nil || parsed.Config == nil {
		return fmt.Errorf("%w: auth.config must be a list of strings", ErrInvalidConfig)
	}
	if modeRaw, ok := raw["mode"]; ok {
		if err := json.Unmarshal(modeRaw, &parsed.Mode); err != nil {
			return fmt.Errorf("%w: auth.mode: %v", ErrInvalidConfig, err)
		}
	}

	delete(raw, "config")
	delete(raw, "mode")
	parsed.extra = raw

	*a = parsed
	return nil
}

func cloneRaw(src map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(src)+5)
	for key, value := range src {
		out[key] = value
	}
	return out
}
