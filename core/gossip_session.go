package core

// Gossip Session (C5, spec.md §4.4): one framed, bidirectional packet
// stream per connected peer. Every packet is
//
//	[u8 type][u16 length LE][length bytes payload]
//
// Grounded on `core/peer_management.go`'s `SendAsync` (open a libp2p
// stream, write a one-byte message code followed by payload) and
// `core/connection_pool.go`'s pooled-connection idiom (a dedicated
// goroutine per connection, an idle/lifecycle guard) — generalized from a
// single best-effort write into a full-duplex framed session with a
// per-peer outbound queue of 256 frames. A send waits while that queue is
// full, until the writer frees a slot or the session closes.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PacketType tags a gossip session frame.
type PacketType uint8

const (
	PacketBlock            PacketType = 0x02
	PacketBlockRequest     PacketType = 0x03
	PacketHeartbeat        PacketType = 0x04
	PacketMilestoneRequest PacketType = 0x05
)

const maxPacketLength = 1<<16 - 1 // length is u16-prefixed

var (
	ErrPacketTooLarge  = errors.New("gossip: packet exceeds maximum frame length")
	ErrSessionClosed   = errors.New("gossip: session closed")
	defaultSendTimeout = 5 * time.Second
)

// HeartbeatPayload carries the sender's solidification window, so peers
// can answer HasData/MayHaveData without a round trip.
type HeartbeatPayload struct {
	PrunedIndex     uint32
	LatestMilestone uint32
}

func encodeHeartbeat(h HeartbeatPayload) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], h.PrunedIndex)
	binary.LittleEndian.PutUint32(b[4:8], h.LatestMilestone)
	return b
}

func decodeHeartbeat(b []byte) (HeartbeatPayload, error) {
	if len(b) != 8 {
		return HeartbeatPayload{}, fmt.Errorf("gossip: malformed heartbeat payload (%d bytes)", len(b))
	}
	return HeartbeatPayload{
		PrunedIndex:     binary.LittleEndian.Uint32(b[0:4]),
		LatestMilestone: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// SessionHandler receives decoded packets from a peer's inbound stream.
type SessionHandler interface {
	OnBlock(peer PeerID, raw []byte)
	OnBlockRequest(peer PeerID, id BlockID)
	OnMilestoneRequest(peer PeerID, index uint32)
	OnHeartbeat(peer PeerID, hb HeartbeatPayload)
}

// GossipSession is a framed packet session with one connected peer, over
// any full-duplex byte stream (a libp2p stream in production, a net.Pipe
// in tests).
type GossipSession struct {
	peer    PeerID
	conn    io.ReadWriteCloser
	handler SessionHandler
	logger  *log.Logger

	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewGossipSession wraps conn and starts its read/write pumps. Close stops
// both and releases conn.
func NewGossipSession(peer PeerID, conn io.ReadWriteCloser, handler SessionHandler, logger *log.Logger) *GossipSession {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &GossipSession{
		peer:     peer,
		conn:     conn,
		handler:  handler,
		logger:   logger,
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// QueueDepth reports how many frames are queued for send, the soft
// backpressure signal the requester's dispatch loop checks.
func (s *GossipSession) QueueDepth() int { return len(s.outbound) }

func (s *GossipSession) send(t PacketType, payload []byte) error {
	if len(payload) > maxPacketLength {
		return ErrPacketTooLarge
	}
	frame := make([]byte, 3+len(payload))
	frame[0] = byte(t)
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)

	select {
	case s.outbound <- frame:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

func (s *GossipSession) SendBlock(raw []byte) error                { return s.send(PacketBlock, raw) }
func (s *GossipSession) SendBlockRequest(id BlockID) error          { return s.send(PacketBlockRequest, id[:]) }
func (s *GossipSession) SendMilestoneRequest(index uint32) error {
	return s.send(PacketMilestoneRequest, u32Bytes(index))
}
func (s *GossipSession) SendHeartbeat(hb HeartbeatPayload) error {
	return s.send(PacketHeartbeat, encodeHeartbeat(hb))
}

func (s *GossipSession) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			if _, err := s.conn.Write(frame); err != nil {
				s.logger.WithError(err).WithField("peer", s.peer.Short()).Debug("gossip write failed")
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *GossipSession) readLoop() {
	header := make([]byte, 3)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.logger.WithError(err).WithField("peer", s.peer.Short()).Debug("gossip session closing")
			s.Close()
			return
		}
		t := PacketType(header[0])
		length := binary.LittleEndian.Uint16(header[1:3])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				s.Close()
				return
			}
		}
		s.dispatch(t, payload)
	}
}

func (s *GossipSession) dispatch(t PacketType, payload []byte) {
	if s.handler == nil {
		return
	}
	switch t {
	case PacketBlock:
		s.handler.OnBlock(s.peer, payload)
	case PacketBlockRequest:
		if len(payload) != BlockIDLength {
			return
		}
		var id BlockID
		copy(id[:], payload)
		s.handler.OnBlockRequest(s.peer, id)
	case PacketMilestoneRequest:
		if len(payload) != 4 {
			return
		}
		s.handler.OnMilestoneRequest(s.peer, binary.LittleEndian.Uint32(payload))
	case PacketHeartbeat:
		hb, err := decodeHeartbeat(payload)
		if err != nil {
			s.logger.WithError(err).Debug("malformed heartbeat")
			return
		}
		s.handler.OnHeartbeat(s.peer, hb)
	default:
		s.logger.WithField("type", t).Debug("unknown gossip packet type, ignoring")
	}
}

// Close terminates the session; safe to call more than once.
func (s *GossipSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}
