package stack

import (
	"github.com/zehzinho/SimpleRep-sub000/conn"
	"github.com/zehzinho/SimpleRep-sub000/sign"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Send implements the Sender of every layer. The message is encoded and
// signed on the event loop; the write happens on its own goroutine and
// failures are only logged.
func (n *Node) Send(dest types.ProcessID, tag uint8, msg interface{}) {
	body, err := conn.Encode(msg)
	if err != nil {
		n.logger.Error("fail to encode the message", "tag", tag, "error", err)
		return
	}
	sig, err := sign.Sign(n.privateKey, conn.SigningBytes(tag, n.self, body))
	if err != nil {
		n.logger.Error("fail to sign the message", "tag", tag, "error", err)
		return
	}
	frame := &conn.Frame{From: n.self, Body: body, Sig: sig}
	go func() {
		if err := n.trans.Send(dest.Addr, tag, frame); err != nil {
			select {
			case <-n.done:
			default:
				n.logger.Debug("fail to send the message", "tag", tag, "receiver", dest, "error", err)
			}
		}
	}()
}
