package tcp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
)

// Wire flag bits (TCP header byte 13).
const (
	flagFIN byte = 1 << 0
	flagSYN byte = 1 << 1
	flagRST byte = 1 << 2
	flagPSH byte = 1 << 3
	flagACK byte = 1 << 4
	flagURG byte = 1 << 5
)

const (
	minHeaderLen = 20
	optMSS       = 2
	optEOL       = 0
	optNOP       = 1
)

// wireHeader is a parsed TCP segment header (options beyond MSS are
// recognized but not acted on, per spec.md §9 Q3).
type wireHeader struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOff          int // header length in bytes
	Flags            byte
	Window           uint16
	Checksum         uint16
	MSS              uint16 // 0 if absent
}

func parseSegment(data []byte) (wireHeader, []byte, bool) {
	var h wireHeader
	if len(data) < minHeaderLen {
		return h, nil, false
	}
	h.SrcPort = binary.BigEndian.Uint16(data[0:2])
	h.DstPort = binary.BigEndian.Uint16(data[2:4])
	h.Seq = binary.BigEndian.Uint32(data[4:8])
	h.Ack = binary.BigEndian.Uint32(data[8:12])
	h.DataOff = int(data[12]>>4) * 4
	h.Flags = data[13]
	h.Window = binary.BigEndian.Uint16(data[14:16])
	h.Checksum = binary.BigEndian.Uint16(data[16:18])
	if h.DataOff < minHeaderLen || h.DataOff > len(data) {
		return h, nil, false
	}
	parseOptions(data[minHeaderLen:h.DataOff], &h)
	return h, data[h.DataOff:], true
}

func parseOptions(opts []byte, h *wireHeader) {
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case optEOL:
			return
		case optNOP:
			i++
		case optMSS:
			if i+4 <= len(opts) {
				h.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
			i += 4
		default:
			if i+1 >= len(opts) {
				return
			}
			length := int(opts[i+1])
			if length < 2 {
				return
			}
			i += length
		}
	}
}

// buildSegment marshals a TCP segment including the pseudo-header
// checksum. mss is nonzero only on SYN segments (MSS is always emitted on
// SYN per spec.md §6).
func buildSegment(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16, mss uint16, payload []byte) []byte {
	headerLen := minHeaderLen
	if mss != 0 {
		headerLen += 4
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = byte(headerLen/4) << 4
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	// buf[16:18] checksum filled below
	if mss != 0 {
		buf[20] = optMSS
		buf[21] = 4
		binary.BigEndian.PutUint16(buf[22:24], mss)
	}
	copy(buf[headerLen:], payload)

	sum := pseudoHeaderSum(srcIP, dstIP, len(buf))
	sum = ip.PartialSum(sum, buf)
	binary.BigEndian.PutUint16(buf[16:18], foldChecksum(sum))
	return buf
}

func pseudoHeaderSum(src, dst net.IP, tcpLen int) uint32 {
	var b [12]byte
	copy(b[0:4], src.To4())
	copy(b[4:8], dst.To4())
	b[9] = ip.ProtoTCP
	binary.BigEndian.PutUint16(b[10:12], uint16(tcpLen))
	return ip.PartialSum(0, b[:])
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func verifyChecksum(srcIP, dstIP net.IP, data []byte) bool {
	sum := pseudoHeaderSum(srcIP, dstIP, len(data))
	sum = ip.PartialSum(sum, data)
	return foldChecksum(sum) == 0
}

// seqSpace is the sequence space a segment occupies: its data length, plus
// one byte each for SYN and FIN.
func seqSpace(flags byte, dataLen int) uint32 {
	n := uint32(dataLen)
	if flags&flagSYN != 0 {
		n++
	}
	if flags&flagFIN != 0 {
		n++
	}
	return n
}

// outSegment is a queued or in-flight segment (spec.md §3's unsent/unacked
// entries).
type outSegment struct {
	seq     uint32
	flags   byte
	data    []byte
	next    *outSegment
	rtxCnt  int
	sentAt  time.Time // zero => never transmitted; set on (re)transmit
	sampled bool       // true once used for an RTT sample (Karn: a
	// retransmitted segment's ACK must never be sampled again)
}

func (s *outSegment) seqLen() uint32 { return seqSpace(s.flags, len(s.data)) }

func (s *outSegment) endSeq() uint32 { return s.seq + s.seqLen() }

// inSegment is a received out-of-order segment held in ooseq (spec.md §3).
type inSegment struct {
	seq   uint32
	data  []byte
	fin   bool
	next  *inSegment
}

func (s *inSegment) endSeq() uint32 {
	n := s.seq + uint32(len(s.data))
	if s.fin {
		n++
	}
	return n
}
