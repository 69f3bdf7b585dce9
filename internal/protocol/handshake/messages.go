package handshake

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/cnode/internal/auth"
)

/*
Handshake message bodies (each carried in a 2-byte length frame):

	name (v6)       'N' | flags u64 | creation u32 | nlen u16 | name
	name (v5)       'n' | version u16 | flags u32 | name
	status          's' | status text
	challenge (v6)  'N' | flags u64 | challenge u32 | creation u32 | nlen u16 | name
	challenge (v5)  'n' | version u16 | flags u32 | challenge u32 | name
	complement      'c' | flags high u32 | creation u32
	reply           'r' | challenge u32 | digest [16]
	ack             'a' | digest [16]
*/

const (
	tagNameV6     byte = 'N'
	tagNameV5     byte = 'n'
	tagStatus     byte = 's'
	tagComplement byte = 'c'
	tagReply      byte = 'r'
	tagAck        byte = 'a'

	protocolV5 = 5
	protocolV6 = 6
)

// Status texts exchanged after the name message.
const (
	StatusOK             = "ok"
	StatusOKSimultaneous = "ok_simultaneous"
	StatusNOK            = "nok"
	StatusNotAllowed     = "not_allowed"
	StatusAlive          = "alive"
)

type nameMsg struct {
	version  int
	flags    Flags
	creation uint32
	name     string
}

type challengeMsg struct {
	version   int
	flags     Flags
	challenge uint32
	creation  uint32
	name      string
}

type replyMsg struct {
	challenge uint32
	digest    auth.Digest
}

type complementMsg struct {
	flagsHigh uint32
	creation  uint32
}

func encodeName(m nameMsg) []byte {
	if m.version == protocolV5 {
		buf := []byte{tagNameV5}
		buf = binary.BigEndian.AppendUint16(buf, protocolV5)
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.flags))
		return append(buf, m.name...)
	}
	buf := []byte{tagNameV6}
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.flags))
	buf = binary.BigEndian.AppendUint32(buf, m.creation)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.name)))
	return append(buf, m.name...)
}

func decodeName(b []byte) (nameMsg, error) {
	if len(b) == 0 {
		return nameMsg{}, fmt.Errorf("%w: empty name message", ErrUnexpectedMessage)
	}
	switch b[0] {
	case tagNameV5:
		if len(b) < 7 {
			return nameMsg{}, fmt.Errorf("%w: short v5 name message", ErrUnexpectedMessage)
		}
		version := int(binary.BigEndian.Uint16(b[1:3]))
		if version != protocolV5 {
			return nameMsg{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
		}
		return nameMsg{
			version: protocolV5,
			flags:   Flags(binary.BigEndian.Uint32(b[3:7])),
			name:    string(b[7:]),
		}, nil
	case tagNameV6:
		if len(b) < 15 {
			return nameMsg{}, fmt.Errorf("%w: short v6 name message", ErrUnexpectedMessage)
		}
		nlen := int(binary.BigEndian.Uint16(b[13:15]))
		if len(b) != 15+nlen {
			return nameMsg{}, fmt.Errorf("%w: name length %d does not match message", ErrUnexpectedMessage, nlen)
		}
		return nameMsg{
			version:  protocolV6,
			flags:    Flags(binary.BigEndian.Uint64(b[1:9])),
			creation: binary.BigEndian.Uint32(b[9:13]),
			name:     string(b[15:]),
		}, nil
	default:
		return nameMsg{}, fmt.Errorf("%w: tag %q where name expected", ErrUnexpectedMessage, b[0])
	}
}

func encodeStatus(status string) []byte {
	return append([]byte{tagStatus}, status...)
}

func decodeStatus(b []byte) (string, error) {
	if len(b) < 1 || b[0] != tagStatus {
		return "", fmt.Errorf("%w: expected status", ErrUnexpectedMessage)
	}
	return string(b[1:]), nil
}

func encodeChallenge(m challengeMsg) []byte {
	if m.version == protocolV5 {
		buf := []byte{tagNameV5}
		buf = binary.BigEndian.AppendUint16(buf, protocolV5)
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.flags))
		buf = binary.BigEndian.AppendUint32(buf, m.challenge)
		return append(buf, m.name...)
	}
	buf := []byte{tagNameV6}
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.flags))
	buf = binary.BigEndian.AppendUint32(buf, m.challenge)
	buf = binary.BigEndian.AppendUint32(buf, m.creation)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.name)))
	return append(buf, m.name...)
}

func decodeChallenge(b []byte) (challengeMsg, error) {
	if len(b) == 0 {
		return challengeMsg{}, fmt.Errorf("%w: empty challenge message", ErrUnexpectedMessage)
	}
	switch b[0] {
	case tagNameV5:
		if len(b) < 11 {
			return challengeMsg{}, fmt.Errorf("%w: short v5 challenge", ErrUnexpectedMessage)
		}
		version := int(binary.BigEndian.Uint16(b[1:3]))
		if version != protocolV5 {
			return challengeMsg{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
		}
		return challengeMsg{
			version:   protocolV5,
			flags:     Flags(binary.BigEndian.Uint32(b[3:7])),
			challenge: binary.BigEndian.Uint32(b[7:11]),
			name:      string(b[11:]),
		}, nil
	case tagNameV6:
		if len(b) < 19 {
			return challengeMsg{}, fmt.Errorf("%w: short v6 challenge", ErrUnexpectedMessage)
		}
		nlen := int(binary.BigEndian.Uint16(b[17:19]))
		if len(b) != 19+nlen {
			return challengeMsg{}, fmt.Errorf("%w: name length %d does not match challenge", ErrUnexpectedMessage, nlen)
		}
		return challengeMsg{
			version:   protocolV6,
			flags:     Flags(binary.BigEndian.Uint64(b[1:9])),
			challenge: binary.BigEndian.Uint32(b[9:13]),
			creation:  binary.BigEndian.Uint32(b[13:17]),
			name:      string(b[19:]),
		}, nil
	default:
		return challengeMsg{}, fmt.Errorf("%w: tag %q where challenge expected", ErrUnexpectedMessage, b[0])
	}
}

func encodeComplement(m complementMsg) []byte {
	buf := []byte{tagComplement}
	buf = binary.BigEndian.AppendUint32(buf, m.flagsHigh)
	return binary.BigEndian.AppendUint32(buf, m.creation)
}

func decodeComplement(b []byte) (complementMsg, error) {
	if len(b) != 9 || b[0] != tagComplement {
		return complementMsg{}, fmt.Errorf("%w: expected complement", ErrUnexpectedMessage)
	}
	return complementMsg{
		flagsHigh: binary.BigEndian.Uint32(b[1:5]),
		creation:  binary.BigEndian.Uint32(b[5:9]),
	}, nil
}

func encodeReply(m replyMsg) []byte {
	buf := []byte{tagReply}
	buf = binary.BigEndian.AppendUint32(buf, m.challenge)
	return append(buf, m.digest[:]...)
}

func decodeReply(b []byte) (replyMsg, error) {
	if len(b) != 1+4+auth.DigestLen || b[0] != tagReply {
		return replyMsg{}, fmt.Errorf("%w: expected challenge reply", ErrUnexpectedMessage)
	}
	var m replyMsg
	m.challenge = binary.BigEndian.Uint32(b[1:5])
	copy(m.digest[:], b[5:])
	return m, nil
}

func encodeAck(d auth.Digest) []byte {
	return append([]byte{tagAck}, d[:]...)
}

func decodeAck(b []byte) (auth.Digest, error) {
	var d auth.Digest
	if len(b) != 1+auth.DigestLen || b[0] != tagAck {
		return d, fmt.Errorf("%w: expected challenge ack", ErrUnexpectedMessage)
	}
	copy(d[:], b[1:])
	return d, nil
}
