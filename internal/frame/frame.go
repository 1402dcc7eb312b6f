// Package frame implements the 1-byte-tag binary framing used to
// multiplex RTSP bytes and control signals over a single WebSocket
// connection between gateway and device.
package frame

import "fmt"

// Tag identifies the kind of binary WebSocket frame.
type Tag byte

const (
	// TagProxyToDevice carries RTSP bytes from the loopback proxy to the device.
	TagProxyToDevice Tag = 1
	// TagDeviceToProxy carries RTSP bytes from the device to the loopback proxy.
	TagDeviceToProxy Tag = 2
	// TagOpen instructs the device to open its camera socket and start relaying.
	TagOpen Tag = 3
	// TagClose instructs the device to drop its camera socket.
	TagClose Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagProxyToDevice:
		return "PROXY_TO_DEVICE"
	case TagDeviceToProxy:
		return "DEVICE_TO_PROXY"
	case TagOpen:
		return "OPEN"
	case TagClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Valid reports whether t is one of the four frame tags in the wire
// protocol.
func (t Tag) Valid() bool {
	switch t {
	case TagProxyToDevice, TagDeviceToProxy, TagOpen, TagClose:
		return true
	default:
		return false
	}
}

// Encode prepends tag to payload, producing one binary WebSocket message.
// payload may be nil or empty for control tags.
func Encode(tag Tag, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(tag)
	copy(out[1:], payload)
	return out
}

// Decode splits a binary WebSocket message into its tag and payload.
// It returns an error if msg is empty or carries an unrecognized tag.
func Decode(msg []byte) (Tag, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, fmt.Errorf("frame: empty message")
	}
	tag := Tag(msg[0])
	if !tag.Valid() {
		return 0, nil, fmt.Errorf("frame: unknown tag %d", msg[0])
	}
	return tag, msg[1:], nil
}
