package stack

import (
	"errors"
	"net"

	"github.com/zehzinho/SimpleRep-sub000/conn"
)

// StartP2PListen starts the node to listen for P2P connections.
func (n *Node) StartP2PListen() error {
	_, port, err := net.SplitHostPort(n.self.Addr)
	if err != nil {
		return err
	}
	n.trans, err = conn.NewTCPTransport(":"+port, n.conf.DialTimeout,
		n.logger.Named("net"), n.conf.MaxPool, n.reflectedTypesMap)
	if err != nil {
		return err
	}
	return nil
}

// EstablishP2PConns dials every configured peer once and keeps the
// connections in the pool.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for name := range n.conf.ClusterAddr {
		addrWithPort, _ := n.conf.AddrOf(name)
		connect, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		err = n.trans.ReturnConn(connect)
		if err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", addrWithPort)
	}
	return nil
}

// LocalAddr is the address the transport is bound to.
func (n *Node) LocalAddr() string {
	if n.trans == nil {
		return ""
	}
	return n.trans.LocalAddr()
}
