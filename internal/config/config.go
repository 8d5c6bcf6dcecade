/*
Package config implements a thread safe configuration yaml file parser.
*/
package config

import (
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	"gopkg.in/yaml.v2"

	"github.com/stiltzkin10/bgp-ai-agent/internal/errorcode"
)

// DefaultBGPPort is the IANA assigned BGP port.
const DefaultBGPPort = 179

// DefaultHoldTime is the hold time offered when a peer entry leaves it unset.
const DefaultHoldTime = 180 * time.Second

var (
	lock              sync.Mutex
	configFilePath    string
	immutableLogLevel bool
	// Configuration is the global Config instance storing the current configuration
	Configuration Config
)

// --- LocalConfig section

// LocalConfig describes the local speaker identity and its listening sockets.
type LocalConfig struct {
	ASN        uint16 `yaml:"asn"`
	RouterID   string `yaml:"router_id"`
	Port       int    `yaml:"port"`
	SocketPath string `yaml:"socket_path"`

	routerID netip.Addr
}

func (local *LocalConfig) validate() error {
	if local.ASN == 0 {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<asn> field is required and should not be 0")
	}
	routerID, err := netip.ParseAddr(local.RouterID)
	if err != nil || !routerID.Is4() {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<router_id> field must be an IPv4 address, got <%s>", local.RouterID)
	}
	local.routerID = routerID
	if local.Port == 0 {
		local.Port = DefaultBGPPort
	}
	if local.Port < 1 || local.Port > 65535 {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<port> value <%d> is out of range", local.Port)
	}
	// A shared default here would prevent two speakers on one host, so the
	// socket path is mandatory and per-instance.
	if local.SocketPath == "" {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<socket_path> field is required")
	}
	return nil
}

// RouterIDAddr returns the parsed router ID. Valid only after validation.
func (local *LocalConfig) RouterIDAddr() netip.Addr {
	return local.routerID
}

// Copy returns a copy of the object
func (local *LocalConfig) Copy() *LocalConfig {
	return &LocalConfig{
		ASN:        local.ASN,
		RouterID:   local.RouterID,
		Port:       local.Port,
		SocketPath: local.SocketPath,
		routerID:   local.routerID,
	}
}

// --- PeerConfig section

// PeerConfig describes one configured neighbor. Immutable after load.
type PeerConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	RemoteAS uint16 `yaml:"remote_as"`
	HoldTime int    `yaml:"hold_time"`
	Passive  bool   `yaml:"passive"`

	addr netip.Addr
}

func (peer *PeerConfig) validate() error {
	addr, err := netip.ParseAddr(peer.Address)
	if err != nil || !addr.Is4() {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<address> field must be an IPv4 address, got <%s>", peer.Address)
	}
	peer.addr = addr
	if peer.RemoteAS == 0 {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<remote_as> field is required and should not be 0")
	}
	if peer.Port == 0 {
		peer.Port = DefaultBGPPort
	}
	if peer.Port < 1 || peer.Port > 65535 {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<port> value <%d> is out of range", peer.Port)
	}
	if peer.HoldTime < 0 {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<hold_time> value <%d> is negative", peer.HoldTime)
	}
	if peer.HoldTime == 0 {
		peer.HoldTime = int(DefaultHoldTime / time.Second)
	}
	// RFC4271 only allows offers of zero or at least 3 seconds. A zero offer
	// would disable keepalives entirely, so it is not accepted from config;
	// the remote side may still negotiate it down to zero.
	if peer.HoldTime < 3 {
		return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<hold_time> value <%d> must be at least 3 seconds", peer.HoldTime)
	}
	return nil
}

// Addr returns the parsed neighbor address. Valid only after validation.
func (peer *PeerConfig) Addr() netip.Addr {
	return peer.addr
}

// HoldTimeDuration returns the hold time offer as a duration.
func (peer *PeerConfig) HoldTimeDuration() time.Duration {
	return time.Duration(peer.HoldTime) * time.Second
}

// Copy returns a copy of the object
func (peer *PeerConfig) Copy() *PeerConfig {
	return &PeerConfig{
		Address:  peer.Address,
		Port:     peer.Port,
		RemoteAS: peer.RemoteAS,
		HoldTime: peer.HoldTime,
		Passive:  peer.Passive,
		addr:     peer.addr,
	}
}

// --- Global Config section

// Config file structure definition
type Config struct {
	Debug    bool         `yaml:"debug"`
	Local    LocalConfig  `yaml:"local"`
	Peers    []PeerConfig `yaml:"peers"`
	Networks []string     `yaml:"networks"`

	networks []netip.Prefix
}

func (c *Config) validate() error {
	if err := c.Local.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <local> section")
	}
	seen := make(map[netip.Addr]bool)
	for i := range c.Peers {
		if err := c.Peers[i].validate(); err != nil {
			return stacktrace.Propagate(err, "fail to validate <peers> entry %d", i)
		}
		if seen[c.Peers[i].addr] {
			return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "duplicate peer <%s>", c.Peers[i].Address)
		}
		seen[c.Peers[i].addr] = true
	}
	c.networks = c.networks[:0]
	for _, network := range c.Networks {
		prefix, err := netip.ParsePrefix(network)
		if err != nil || !prefix.Addr().Is4() {
			return stacktrace.NewErrorWithCode(errorcode.EcodeConfigInvalid, "<networks> entry <%s> is not an IPv4 prefix", network)
		}
		c.networks = append(c.networks, prefix.Masked())
	}
	return nil
}

// String returns a string representing a config struct.
func (c *Config) String() string {
	return fmt.Sprintf("%#v", c)
}

// NetworkPrefixes returns the parsed locally-originated prefixes. Valid only
// after validation.
func (c *Config) NetworkPrefixes() []netip.Prefix {
	networks := make([]netip.Prefix, len(c.networks))
	copy(networks, c.networks)
	return networks
}

// Copy returns a copy of the object
func (c *Config) Copy() *Config {
	peers := make([]PeerConfig, 0, len(c.Peers))
	for i := range c.Peers {
		peers = append(peers, *c.Peers[i].Copy())
	}
	networks := make([]string, len(c.Networks))
	copy(networks, c.Networks)
	parsed := make([]netip.Prefix, len(c.networks))
	copy(parsed, c.networks)
	return &Config{
		Debug:    c.Debug,
		Local:    *c.Local.Copy(),
		Peers:    peers,
		Networks: networks,
		networks: parsed,
	}
}

// SetConfigFile set the path to the config file to read.
func SetConfigFile(path string) {
	configFilePath = path
}

// ReadInConfig triggers the reading of the config from the file.
func ReadInConfig() error {
	var tmpConfig Config

	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return stacktrace.Propagate(err, "fail to read <%s>", configFilePath)
	}
	loggo.GetLogger("").Debugf("config file <%s> read successfully", configFilePath)
	if err := yaml.Unmarshal(data, &tmpConfig); err != nil {
		return stacktrace.Propagate(err, "parsing error in <%s>", configFilePath)
	}
	loggo.GetLogger("").Debugf("config file <%s> parsed successfully", configFilePath)
	if err := tmpConfig.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <%s>", configFilePath)
	}

	Configuration = tmpConfig

	if !immutableLogLevel {
		if Configuration.Debug {
			loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
		} else {
			loggo.GetLogger("").SetLogLevel(loggo.INFO)
		}
	}

	loggo.GetLogger("").Debugf("config struct: <%#v>", Configuration)

	return nil
}

// String returns a string representing the config object.
func String() (string, error) {
	lock.Lock()
	defer lock.Unlock()

	data, err := yaml.Marshal(Configuration)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("config file <%s>:\n%s", configFilePath, data), nil
}

// Get returns a copy of the whole configuration.
func Get() *Config {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Copy()
}

// GetLocal returns the local speaker config section.
func GetLocal() *LocalConfig {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Local.Copy()
}

// GetPeers returns the configured neighbor list.
func GetPeers() []*PeerConfig {
	lock.Lock()
	defer lock.Unlock()

	peers := make([]*PeerConfig, 0, len(Configuration.Peers))
	for i := range Configuration.Peers {
		peers = append(peers, Configuration.Peers[i].Copy())
	}
	return peers
}

// GetDebug returns true if debug is activated in the config file, false otherwise.
func GetDebug() bool {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Debug
}

// SetLogLevelImmutable sets a flag to deactivate log level modification by configuration
func SetLogLevelImmutable() {
	lock.Lock()
	defer lock.Unlock()

	immutableLogLevel = true
}
