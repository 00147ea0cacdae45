package mc

import "github.com/naphtha/eastwood/pkg/proto"

// EncodeNamedPacket wraps one packet's name and payload in the same
// envelope a poem item's inner packet uses (varint_len(name) ∥ name ∥
// payload). This is the wire framing this proxy pair uses on its own
// client- and backend-facing sockets, standing in for the real Minecraft
// packet ID table that full client/server implementations own. Packets
// this core actually interprets (handshake, chunk_data, ...) are the
// decoded form of this envelope's payload when Name matches one of them;
// every other name passes through opaque.
func EncodeNamedPacket(name string, payload []byte) []byte {
	w := proto.NewWriter()
	w.WriteString(name)
	w.WriteBytes(payload)
	return w.Bytes()
}

// DecodeNamedPacket splits one EncodeNamedPacket envelope back into its
// name and payload.
func DecodeNamedPacket(frame []byte) (name string, payload []byte, err error) {
	r := proto.NewReader(frame)
	name, err = r.ReadString()
	if err != nil {
		return "", nil, err
	}
	payload = append([]byte(nil), r.Remaining()...)
	return name, payload, nil
}
