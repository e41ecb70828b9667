package tunmux

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Frame commands. The first byte of every websocket message is one of
// these codes. Codes in [cmdReqData, cmdReqRefreshQuota] form the
// request range and carry an idx/tag pair addressing a request slot.
const (
	cmdNone byte = iota
	cmdPing
	cmdPong
	cmdReqData
	cmdReqCreated
	cmdReqClientClosed
	cmdReqClientFinished
	cmdReqServerFinished
	cmdReqServerClosed
	cmdReqRefreshQuota
)

// Address types carried by a ReqCreated frame.
const (
	addrIPv4 byte = iota
	addrDomain
	addrIPv6
)

// SPEC |CMD (8 bits)|IDX (16 bits LE)|TAG (16 bits LE)|PAYLOAD|

// header length = 1 + 2 + 2 = 5 bytes
const reqHeaderLen = 5

// pingFrameLen = cmd byte + 8-byte LE float64 timestamp (ms)
const pingFrameLen = 9

type header []byte

func (h header) cmd() byte {
	return h[0]
}

func (h header) idx() uint16 {
	return binary.LittleEndian.Uint16(h[1:])
}

func (h header) tag() uint16 {
	return binary.LittleEndian.Uint16(h[3:])
}

func isReqCmd(cmd byte) bool {
	return cmd >= cmdReqData && cmd <= cmdReqRefreshQuota
}

type frame struct {
	cmd     byte
	idx     uint16
	tag     uint16
	payload []byte
}

// Bytes serializes the frame for transmission. Request-range frames are
// laid out as cmd, idx, tag, payload; everything else as cmd, payload.
func (f frame) Bytes() []byte {
	if !isReqCmd(f.cmd) {
		b := make([]byte, 1+len(f.payload))
		b[0] = f.cmd
		copy(b[1:], f.payload)
		return b
	}
	b := make([]byte, reqHeaderLen+len(f.payload))
	b[0] = f.cmd
	binary.LittleEndian.PutUint16(b[1:], f.idx)
	binary.LittleEndian.PutUint16(b[3:], f.tag)
	copy(b[reqHeaderLen:], f.payload)
	return b
}

func (f frame) String() string {
	str := cmdName(f.cmd)
	if isReqCmd(f.cmd) {
		str += " " + strconv.Itoa(int(f.idx)) + "/" + strconv.Itoa(int(f.tag))
	}
	str += " " + strconv.Itoa(len(f.payload)) + "B"
	return str
}

func cmdName(cmd byte) string {
	switch cmd {
	case cmdNone:
		return "NONE"
	case cmdPing:
		return "PING"
	case cmdPong:
		return "PONG"
	case cmdReqData:
		return "DAT"
	case cmdReqCreated:
		return "NEW"
	case cmdReqClientClosed:
		return "CCLS"
	case cmdReqClientFinished:
		return "CFIN"
	case cmdReqServerFinished:
		return "SFIN"
	case cmdReqServerClosed:
		return "SCLS"
	case cmdReqRefreshQuota:
		return "QUOTA"
	}
	return "UNK(" + strconv.Itoa(int(cmd)) + ")"
}

// parseFrame decodes a websocket message into a frame. The peer is
// authoritative on message length; trailing bytes beyond the documented
// body stay in payload.
func parseFrame(msg []byte) (frame, error) {
	if len(msg) == 0 {
		return frame{}, errMalformedFrame
	}
	f := frame{cmd: msg[0]}
	if !isReqCmd(f.cmd) {
		f.payload = msg[1:]
		return f, nil
	}
	if len(msg) < reqHeaderLen {
		return frame{}, errMalformedFrame
	}
	h := header(msg)
	f.idx = h.idx()
	f.tag = h.tag()
	f.payload = msg[reqHeaderLen:]
	return f, nil
}

func newDataFrame(idx, tag uint16, buf []byte) frame {
	b := make([]byte, len(buf))
	_ = copy(b, buf)
	return frame{cmd: cmdReqData, idx: idx, tag: tag, payload: b}
}

func newServerFinishedFrame(idx, tag uint16) frame {
	return frame{cmd: cmdReqServerFinished, idx: idx, tag: tag}
}

func newServerClosedFrame(idx, tag uint16) frame {
	return frame{cmd: cmdReqServerClosed, idx: idx, tag: tag}
}

// newPingFrame encodes the sender's wall clock in ms as a little-endian
// float64 following the command byte.
func newPingFrame(nowMs float64) []byte {
	b := make([]byte, pingFrameLen)
	b[0] = cmdPing
	binary.LittleEndian.PutUint64(b[1:], math.Float64bits(nowMs))
	return b
}

// pongFromPing builds the reply to a received ping: an exact copy of
// the frame with the command byte rewritten.
func pongFromPing(ping []byte) []byte {
	b := make([]byte, len(ping))
	copy(b, ping)
	b[0] = cmdPong
	return b
}

// parseAddr decodes the address block of a ReqCreated frame into a
// host:port dial target.
//
// The IPv4 bytes and IPv6 groups arrive in reverse order; the client
// encodes them that way and both ends must agree, so the reversal here
// is load-bearing. Do not "fix" it.
func parseAddr(block []byte) (string, error) {
	if len(block) < 1 {
		return "", errMalformedFrame
	}
	switch block[0] {
	case addrIPv4:
		if len(block) < 7 {
			return "", errMalformedFrame
		}
		host := fmt.Sprintf("%d.%d.%d.%d", block[4], block[3], block[2], block[1])
		port := binary.LittleEndian.Uint16(block[5:])
		return host + ":" + strconv.Itoa(int(port)), nil
	case addrDomain:
		if len(block) < 2 {
			return "", errMalformedFrame
		}
		n := int(block[1])
		if len(block) < 2+n+2 {
			return "", errMalformedFrame
		}
		host := string(block[2 : 2+n])
		port := binary.LittleEndian.Uint16(block[2+n:])
		return host + ":" + strconv.Itoa(int(port)), nil
	case addrIPv6:
		if len(block) < 1+16+2 {
			return "", errMalformedFrame
		}
		groups := make([]string, 8)
		for i := 0; i < 8; i++ {
			g := binary.LittleEndian.Uint16(block[1+2*i:])
			groups[7-i] = strconv.Itoa(int(g))
		}
		port := binary.LittleEndian.Uint16(block[17:])
		return strings.Join(groups, ":") + ":" + strconv.Itoa(int(port)), nil
	}
	return "", errUnknownAddrType
}
