package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/zehzinho/SimpleRep-sub000/types"
)

func TestConfigRead(t *testing.T) {
	conf, err := LoadConfig("abcfgtest", "config_test")
	if err != nil {
		t.Fatal(err)
	}
	if conf.Name != "node1" || conf.Address != "127.0.0.1:9010" || conf.Incarnation != 2 {
		t.Fatalf("identity %s %s #%d", conf.Name, conf.Address, conf.Incarnation)
	}
	if !conf.Dynamic || len(conf.Seeds) != 1 || conf.Seeds[0] != "node0" {
		t.Fatalf("dynamic %v seeds %v", conf.Dynamic, conf.Seeds)
	}
	if conf.MaxPool != 4 || conf.LogLevel != 2 || conf.BatchThreshold != 32 || conf.MaxBatchSize != 64 {
		t.Fatalf("tuning not read: %+v", conf)
	}
	if conf.RoundTimeout != 1500*time.Millisecond || conf.HeartbeatInterval != 100*time.Millisecond {
		t.Fatalf("timeouts %v %v", conf.RoundTimeout, conf.HeartbeatInterval)
	}
	// unset keys fall back to defaults
	if conf.SuspectTimeout != 500*time.Millisecond || conf.DecisionCache != defaultDecisionCache {
		t.Fatalf("defaults %v %d", conf.SuspectTimeout, conf.DecisionCache)
	}
	if !bytes.Equal(conf.PrivateKey, []byte{0x0f, 0x0e, 0x0d, 0x0c, 0x0b, 0x0a}) {
		t.Fatalf("privkey %x", conf.PrivateKey)
	}
	if conf.ClusterPort["node2"] != 9020 || !bytes.Equal(conf.PublicKeyMap["node2"], []byte{0x2a, 0x2b, 0x2c, 0x2d}) {
		t.Fatal("cluster maps not read")
	}

	group, keys, err := conf.Members()
	if err != nil {
		t.Fatal(err)
	}
	want := types.Group{
		types.NewProcessID("127.0.0.1:9000"),
		{Addr: "127.0.0.1:9010", Incarnation: 2},
		types.NewProcessID("127.0.0.1:9020"),
	}
	if !group.Equal(want) {
		t.Fatalf("group %v, want %v", group, want)
	}
	if !bytes.Equal(keys[want[1]], []byte{0x1a, 0x1b, 0x1c, 0x1d}) {
		t.Fatal("own key not attached to own incarnation")
	}
	seeds, err := conf.SeedIDs()
	if err != nil || len(seeds) != 1 || seeds[0] != want[0] {
		t.Fatalf("seeds %v %v", seeds, err)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("ABCFGTEST_MAX_BATCH_SIZE", "128")
	t.Setenv("ABCFGTEST_DYNAMIC", "false")
	conf, err := LoadConfig("abcfgtest", "config_test")
	if err != nil {
		t.Fatal(err)
	}
	if conf.MaxBatchSize != 128 || conf.Dynamic {
		t.Fatalf("environment ignored: batch %d dynamic %v", conf.MaxBatchSize, conf.Dynamic)
	}
}

func TestNewFillsDefaults(t *testing.T) {
	conf := New("node0", map[string]string{"node0": "127.0.0.1"}, map[string]int{"node0": 8000},
		map[string][]byte{"node0": {1}}, nil, 0)
	if conf.Address != "127.0.0.1:8000" {
		t.Fatalf("address %q", conf.Address)
	}
	if conf.FlowInitial != defaultFlowInitial || conf.RoundTimeout != defaultRoundTimeout ||
		conf.SuspectTimeout != 5*defaultHeartbeatInterval || conf.LogLevel != defaultLogLevel {
		t.Fatalf("defaults not applied: %+v", conf)
	}
	if _, _, err := conf.Members(); err != nil {
		t.Fatal(err)
	}
	conf.Seeds = []string{"node9"}
	if _, err := conf.SeedIDs(); err == nil {
		t.Fatal("unknown seed resolved")
	}
}
