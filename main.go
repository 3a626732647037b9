package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zehzinho/SimpleRep-sub000/config"
	"github.com/zehzinho/SimpleRep-sub000/stack"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "abcast",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	node, err := stack.NewNode(conf)
	if err != nil {
		panic(err)
	}
	if err = node.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 15)
	if err = node.EstablishP2PConns(); err != nil {
		logger.Warn("some peers are unreachable", "error", err)
	}
	if err = node.Start(); err != nil {
		panic(err)
	}
	logger.Info("node starts the atomic broadcast", "name", conf.Name, "self", node.Self())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = node.Close()
	}()

	go broadcastLines(node, logger)
	for d := range node.Deliveries() {
		logger.Info("deliver", "instance", d.Instance, "id", d.ID, "payload", string(d.Payload))
	}
	logger.Info("node stopped")
}

// broadcastLines broadcasts every line read from stdin.
func broadcastLines(node *stack.Node, logger hclog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		id, err := node.Broadcast(context.Background(), line)
		if err != nil {
			logger.Error("broadcast failed", "error", err)
			if errors.Is(err, stack.ErrClosed) {
				return
			}
			continue
		}
		logger.Debug("broadcast", "id", id)
	}
}
