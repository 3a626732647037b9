/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name        string
	Address     string // ip:port this node listens on
	Incarnation uint64
	ClusterAddr map[string]string // map from name to ip
	ClusterPort map[string]int    // map from name to p2p port
	// PublicKeyMap maps a name to its encoded public key.
	PublicKeyMap map[string][]byte
	PrivateKey   []byte
	Dynamic      bool
	Seeds        []string // names of the members a joining node asks
	MaxPool      int
	LogLevel     int

	BatchThreshold int
	MinBatchSize   int
	MaxBatchSize   int
	FlowInitial    int
	FlowMax        int
	FlowTarget     int
	DecisionCache  int

	RoundTimeout      time.Duration
	GossipInterval    time.Duration
	HeartbeatInterval time.Duration
	SuspectTimeout    time.Duration
	DialTimeout       time.Duration
}

const (
	defaultMaxPool           = 10
	defaultLogLevel          = 3 // info
	defaultBatchThreshold    = 64
	defaultMinBatchSize      = 16
	defaultMaxBatchSize      = 256
	defaultFlowInitial       = 8
	defaultFlowMax           = 256
	defaultFlowTarget        = 32
	defaultDecisionCache     = 1024
	defaultRoundTimeout      = 2 * time.Second
	defaultGossipInterval    = time.Second
	defaultHeartbeatInterval = 200 * time.Millisecond
	defaultDialTimeout       = 10 * time.Second
)

// New creates a Config with default tuning, mostly for tests.
func New(name string, clusterAddr map[string]string, clusterPort map[string]int,
	publicKeyMap map[string][]byte, privateKey []byte, logLevel int) *Config {
	conf := &Config{
		Name:         name,
		ClusterAddr:  clusterAddr,
		ClusterPort:  clusterPort,
		PublicKeyMap: publicKeyMap,
		PrivateKey:   privateKey,
		LogLevel:     logLevel,
	}
	if addr, ok := clusterAddr[name]; ok {
		conf.Address = addr + ":" + strconv.Itoa(clusterPort[name])
	}
	conf.fillDefaults()
	return conf
}

func (c *Config) fillDefaults() {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDuration := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.MaxPool, defaultMaxPool)
	setInt(&c.BatchThreshold, defaultBatchThreshold)
	setInt(&c.MinBatchSize, defaultMinBatchSize)
	setInt(&c.MaxBatchSize, defaultMaxBatchSize)
	setInt(&c.FlowInitial, defaultFlowInitial)
	setInt(&c.FlowMax, defaultFlowMax)
	setInt(&c.FlowTarget, defaultFlowTarget)
	setInt(&c.DecisionCache, defaultDecisionCache)
	setDuration(&c.RoundTimeout, defaultRoundTimeout)
	setDuration(&c.GossipInterval, defaultGossipInterval)
	setDuration(&c.HeartbeatInterval, defaultHeartbeatInterval)
	setDuration(&c.SuspectTimeout, 5*c.HeartbeatInterval)
	setDuration(&c.DialTimeout, defaultDialTimeout)
	if c.LogLevel == 0 {
		c.LogLevel = defaultLogLevel
	}
}

// Self is the identity of the configured node.
func (c *Config) Self() types.ProcessID {
	return types.ProcessID{Addr: c.Address, Incarnation: c.Incarnation}
}

// AddrOf returns the p2p address of the named node.
func (c *Config) AddrOf(name string) (string, bool) {
	ip, ok := c.ClusterAddr[name]
	if !ok {
		return "", false
	}
	port, ok := c.ClusterPort[name]
	if !ok {
		return "", false
	}
	return ip + ":" + strconv.Itoa(port), true
}

// Members returns the configured group, ordered by identity, and the
// encoded public key of every member. The local node carries its own
// incarnation.
func (c *Config) Members() (types.Group, map[types.ProcessID][]byte, error) {
	names := make([]string, 0, len(c.ClusterAddr))
	for name := range c.ClusterAddr {
		names = append(names, name)
	}
	sort.Strings(names)

	self := c.Self()
	group := make(types.Group, 0, len(names))
	keys := make(map[types.ProcessID][]byte, len(names))
	for _, name := range names {
		addr, ok := c.AddrOf(name)
		if !ok {
			return nil, nil, fmt.Errorf("no p2p port for %s", name)
		}
		p := types.NewProcessID(addr)
		if addr == self.Addr {
			p = self
		}
		key, ok := c.PublicKeyMap[name]
		if !ok {
			return nil, nil, fmt.Errorf("no public key for %s", name)
		}
		group = append(group, p)
		keys[p] = key
	}
	types.SortProcessIDs(group)
	return group, keys, nil
}

// SeedIDs resolves the seed names to process identities.
func (c *Config) SeedIDs() ([]types.ProcessID, error) {
	out := make([]types.ProcessID, 0, len(c.Seeds))
	for _, name := range c.Seeds {
		addr, ok := c.AddrOf(name)
		if !ok {
			return nil, fmt.Errorf("unknown seed %s", name)
		}
		out = append(out, types.NewProcessID(addr))
	}
	return out, nil
}

// LoadConfig loads configuration files by package viper. Variables from
// a .env file in the working directory are exported first, so they can
// override the file through the environment.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKey, err := hex.DecodeString(viperConfig.GetString("privkey"))
	if err != nil {
		return nil, fmt.Errorf("privkey: %w", err)
	}

	ms := func(key string) time.Duration {
		return time.Duration(viperConfig.GetInt64(key)) * time.Millisecond
	}
	conf := &Config{
		Name:              viperConfig.GetString("name"),
		Address:           viperConfig.GetString("address"),
		Incarnation:       viperConfig.GetUint64("incarnation"),
		PrivateKey:        privKey,
		Dynamic:           viperConfig.GetBool("dynamic"),
		Seeds:             viperConfig.GetStringSlice("seeds"),
		MaxPool:           viperConfig.GetInt("max_pool"),
		LogLevel:          viperConfig.GetInt("log_level"),
		BatchThreshold:    viperConfig.GetInt("batch_threshold"),
		MinBatchSize:      viperConfig.GetInt("min_batch_size"),
		MaxBatchSize:      viperConfig.GetInt("max_batch_size"),
		FlowInitial:       viperConfig.GetInt("flow_initial"),
		FlowMax:           viperConfig.GetInt("flow_max"),
		FlowTarget:        viperConfig.GetInt("flow_target"),
		DecisionCache:     viperConfig.GetInt("decision_cache"),
		RoundTimeout:      ms("round_timeout_ms"),
		GossipInterval:    ms("gossip_interval_ms"),
		HeartbeatInterval: ms("heartbeat_interval_ms"),
		SuspectTimeout:    ms("suspect_timeout_ms"),
		DialTimeout:       ms("dial_timeout_ms"),
	}

	peersP2PPortMap := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMap := viperConfig.GetStringMapString("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMapString("cluster_pubkey")
	conf.ClusterAddr = make(map[string]string, len(peersIPsMap))
	conf.ClusterPort = make(map[string]int, len(peersIPsMap))
	conf.PublicKeyMap = make(map[string][]byte, len(peersIPsMap))
	for name, ip := range peersIPsMap {
		portAsInterface, ok := peersP2PPortMap[name]
		if !ok {
			return nil, fmt.Errorf("no p2p port for %s", name)
		}
		port, err := toInt(portAsInterface)
		if err != nil {
			return nil, fmt.Errorf("p2p port of %s: %w", name, err)
		}
		pkAsString, ok := pubKeyMapString[name]
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, fmt.Errorf("public key of %s: %w", name, err)
		}
		conf.ClusterAddr[name] = ip
		conf.ClusterPort[name] = port
		conf.PublicKeyMap[name] = pubKey
	}
	if conf.Address == "" {
		addr, ok := conf.AddrOf(conf.Name)
		if !ok {
			return nil, fmt.Errorf("no address for %s", conf.Name)
		}
		conf.Address = addr
	}
	conf.fillDefaults()
	return conf, nil
}

func toInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case string:
		return strconv.Atoi(x)
	}
	return 0, fmt.Errorf("unexpected value %v", v)
}
