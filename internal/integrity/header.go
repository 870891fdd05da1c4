package integrity

import (
	"encoding/binary"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

// headerSize is the §3 integrity header: 4-byte client-id + 8-byte version.
const headerSize = 4 + 8

func encodeHeader(client blockid.ClientID, version uint64, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(client))
	binary.LittleEndian.PutUint64(out[4:12], version)
	copy(out[headerSize:], payload)
	return out
}

func decodeHeader(framed []byte) (blockid.ClientID, uint64, []byte, error) {
	if len(framed) < headerSize {
		return 0, 0, nil, errors.New(errors.CodeBadFormat, "block too short for integrity header").WithComponent("integrity")
	}
	client := blockid.ClientID(binary.LittleEndian.Uint32(framed[0:4]))
	version := binary.LittleEndian.Uint64(framed[4:12])
	return client, version, framed[headerSize:], nil
}
