package tunmux

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []frame{
		{cmd: cmdReqData, idx: 0, tag: 7, payload: []byte("GET / HTTP/1.0\r\n\r\n")},
		{cmd: cmdReqCreated, idx: 99, tag: 0xffff, payload: []byte{addrDomain, 3, 'f', 'o', 'o', 80, 0}},
		{cmd: cmdReqClientClosed, idx: 5, tag: 2, payload: []byte{}},
		{cmd: cmdReqClientFinished, idx: 5, tag: 2, payload: []byte{}},
		{cmd: cmdReqServerFinished, idx: 0, tag: 0, payload: []byte{}},
		{cmd: cmdReqServerClosed, idx: 1, tag: 1, payload: []byte{}},
	}
	for _, f := range frames {
		got, err := parseFrame(f.Bytes())
		require.NoError(t, err)
		assert.Equal(t, f.cmd, got.cmd)
		assert.Equal(t, f.idx, got.idx)
		assert.Equal(t, f.tag, got.tag)
		assert.Equal(t, []byte(f.payload), []byte(got.payload))
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	b := newDataFrame(0x0102, 0x0304, []byte{0xaa}).Bytes()
	// cmd, idx LE, tag LE, payload
	assert.Equal(t, []byte{cmdReqData, 0x02, 0x01, 0x04, 0x03, 0xaa}, b)
}

func TestParseFrameEmpty(t *testing.T) {
	_, err := parseFrame(nil)
	assert.Equal(t, errMalformedFrame, err)
	_, err = parseFrame([]byte{})
	assert.Equal(t, errMalformedFrame, err)
}

func TestParseFrameShortReqHeader(t *testing.T) {
	_, err := parseFrame([]byte{cmdReqData, 0x00, 0x00})
	assert.Equal(t, errMalformedFrame, err)
}

func TestPongFromPing(t *testing.T) {
	ping := newPingFrame(1234567.5)
	require.Len(t, ping, 9)
	assert.Equal(t, cmdPing, ping[0])

	pong := pongFromPing(ping)
	assert.Equal(t, cmdPong, pong[0])
	// remainder is byte-identical, including the timestamp
	assert.Equal(t, ping[1:], pong[1:])
	ts := math.Float64frombits(binary.LittleEndian.Uint64(pong[1:]))
	assert.Equal(t, 1234567.5, ts)
}

func TestParseAddrIPv4(t *testing.T) {
	// address bytes arrive reversed: [1,2,3,4] reads back as 4.3.2.1
	block := []byte{addrIPv4, 1, 2, 3, 4, 80, 0}
	addr, err := parseAddr(block)
	require.NoError(t, err)
	assert.Equal(t, "4.3.2.1:80", addr)
}

func TestParseAddrDomain(t *testing.T) {
	block := append([]byte{addrDomain, 11}, []byte("example.com")...)
	block = append(block, 0x50, 0x00) // port 80 LE
	addr, err := parseAddr(block)
	require.NoError(t, err)
	assert.Equal(t, "example.com:80", addr)
}

func TestParseAddrIPv6(t *testing.T) {
	// groups arrive reversed: p1..p8 reads back as p8:...:p1
	block := []byte{addrIPv6}
	for g := 1; g <= 8; g++ {
		var enc [2]byte
		binary.LittleEndian.PutUint16(enc[:], uint16(g))
		block = append(block, enc[:]...)
	}
	block = append(block, 0xbb, 0x01) // port 443 LE
	addr, err := parseAddr(block)
	require.NoError(t, err)
	assert.Equal(t, "8:7:6:5:4:3:2:1:443", addr)
}

func TestParseAddrUnknownType(t *testing.T) {
	_, err := parseAddr([]byte{9, 1, 2, 3, 4, 80, 0})
	assert.Equal(t, errUnknownAddrType, err)
}

func TestParseAddrTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{addrIPv4, 1, 2, 3},
		{addrDomain},
		{addrDomain, 5, 'a', 'b'},
		{addrIPv6, 0, 1},
	}
	for _, block := range cases {
		_, err := parseAddr(block)
		assert.Equal(t, errMalformedFrame, err)
	}
}
