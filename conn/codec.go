package conn

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/zehzinho/SimpleRep-sub000/types"
)

// Frame is what travels on the wire after the type byte. Body holds the
// msgpack encoding of the message, so signatures cover immutable bytes.
type Frame struct {
	From types.ProcessID
	Body []byte
	Sig  []byte
}

// Envelope is a received message: the decoded body plus the frame it came in.
type Envelope struct {
	Tag  uint8
	From types.ProcessID
	Body []byte
	Sig  []byte
	Msg  interface{}
}

// Encode returns the msgpack encoding of msg.
func Encode(msg interface{}) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{})
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode decodes data into the value pointed to by out.
func Decode(data []byte, out interface{}) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	return dec.Decode(out)
}

// DecodeTyped decodes body into a fresh value of the type registered for tag.
func DecodeTyped(typesMap map[uint8]reflect.Type, tag uint8, body []byte) (interface{}, error) {
	reflectedType, ok := typesMap[tag]
	if !ok {
		return nil, fmt.Errorf("type of the msg (%d) is unknown", tag)
	}
	ptr := reflect.New(reflectedType)
	if err := Decode(body, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// SigningBytes is the byte string a sender signs: tag, sender and body.
func SigningBytes(tag uint8, from types.ProcessID, body []byte) []byte {
	id := from.String()
	out := make([]byte, 0, 2+len(id)+len(body))
	out = append(out, tag)
	out = append(out, id...)
	out = append(out, 0)
	return append(out, body...)
}

// MergeTypes joins tag tables, panicking on a tag collision.
func MergeTypes(maps ...map[uint8]reflect.Type) map[uint8]reflect.Type {
	out := make(map[uint8]reflect.Type)
	for _, m := range maps {
		for tag, t := range m {
			if prev, ok := out[tag]; ok {
				panic(fmt.Sprintf("tag %d registered for both %v and %v", tag, prev, t))
			}
			out[tag] = t
		}
	}
	return out
}
