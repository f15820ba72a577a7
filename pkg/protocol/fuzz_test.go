package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder with random bytes
func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x01, 0x00})
	f.Add([]byte{0x00, 0x00, 0x00, 0x05, 0x01, 0x02, 0x00, 0x48, 0x69})

	login := &LoginRequest{Email: "alice@example.com", Password: "secret"}
	payload, _ := login.Encode()
	var frameBuf bytes.Buffer
	_ = EncodeFrame(&frameBuf, NewFrame(TypeLogin, payload))
	f.Add(frameBuf.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic or hang
		_, _ = DecodeFrame(bytes.NewReader(data))
	})
}

// FuzzDecodePayloads feeds arbitrary bytes to the payload decoders
func FuzzDecodePayloads(f *testing.F) {
	msg := &FederatedMessage{
		OriginServerIP: "10.0.0.1",
		Message:        ChatMessage{Sender: "a", Recipient: "#b", Content: "c", AudioData: []byte{1}},
	}
	seed, _ := msg.Encode()
	f.Add(seed)

	topo := &Topology{Servers: []ServerInfo{{Name: "s", IP: "10.0.0.1", FederationPort: 5001}}}
	seed, _ = topo.Encode()
	f.Add(seed)

	f.Fuzz(func(t *testing.T, data []byte) {
		_ = (&FederatedMessage{}).Decode(data)
		_ = (&Topology{}).Decode(data)
		_ = (&MessageHistory{}).Decode(data)
		_ = (&LoginSuccess{}).Decode(data)
		_ = (&ServerUserList{}).Decode(data)
	})
}
