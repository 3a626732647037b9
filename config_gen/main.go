/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the Schnorr key pair of the node
and the public keys of the whole cluster.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"github.com/zehzinho/SimpleRep-sub000/sign"
)

// tuning keys copied verbatim from the template when present
var passThrough = []string{
	"max_pool", "log_level", "dynamic",
	"batch_threshold", "min_batch_size", "max_batch_size",
	"flow_initial", "flow_max", "flow_target", "decision_cache",
	"round_timeout_ms", "gossip_interval_ms", "heartbeat_interval_ms",
	"suspect_timeout_ms", "dial_timeout_ms",
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMap := viperRead.GetStringMapString("ips")
	nodeNumber := len(clusterMap)
	if nodeNumber == 0 {
		panic("the template lists no node")
	}
	clusterName := make([]string, 0, nodeNumber)
	for name := range clusterMap {
		clusterName = append(clusterName, name)
	}
	sort.Strings(clusterName)

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("p2p_listen_port does not match with cluster")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for _, name := range clusterName {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("p2p_listen_port does not match with cluster")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("p2p_listen_port contains a non-int value")
		}
		p2pPortMap[name] = portAsInt
	}

	// create the Schnorr keys
	privKeys := make(map[string]string, nodeNumber)
	pubKeys := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		priv, pub := sign.GenKeys()
		privAsBytes, err := sign.EncodePrivateKey(priv)
		if err != nil {
			panic(err)
		}
		pubAsBytes, err := sign.EncodePublicKey(pub)
		if err != nil {
			panic(err)
		}
		privKeys[name] = hex.EncodeToString(privAsBytes)
		pubKeys[name] = hex.EncodeToString(pubAsBytes)
	}

	// write to configure files
	for _, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s_0.yaml", name))
		viperWrite.Set("name", name)
		viperWrite.Set("address", fmt.Sprintf("%s:%d", clusterMap[name], p2pPortMap[name]))
		viperWrite.Set("incarnation", 0)
		viperWrite.Set("cluster_ips", clusterMap)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_pubkey", pubKeys)
		viperWrite.Set("privkey", privKeys[name])
		for _, key := range passThrough {
			if viperRead.IsSet(key) {
				viperWrite.Set(key, viperRead.Get(key))
			}
		}
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
	fmt.Println("generated the configuration of", nodeNumber, "nodes")
}
