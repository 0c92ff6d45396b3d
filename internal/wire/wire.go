// Package wire implements the control-message codec (spec component C2):
// a closed set of tagged variants encoded as a compact, deterministic,
// big-endian binary format so the wire protocol is byte-for-byte stable
// across implementations sharing the same version byte (spec.md §4.2, §6).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Tag identifies which variant a payload decodes as.
type Tag byte

const (
	TagAdvertisement Tag = 1 + iota
	TagAdvertisementReply
	TagLocalContactRequest
	TagLocalContactReply
)

// EndpointClass classifies how a candidate endpoint was learned (spec.md §3).
type EndpointClass byte

const (
	ClassStatic EndpointClass = iota
	ClassDynamic
	ClassLocal
)

func (c EndpointClass) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassDynamic:
		return "dynamic"
	case ClassLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Endpoint is a candidate (host, udp_port) pair with its classification.
type Endpoint struct {
	Host  string
	Port  uint16
	Class EndpointClass
}

// RouteDigest summarizes one entry of the sender's route table, excluding self.
type RouteDigest struct {
	DestWgIP net.IP
	HopCount uint8
}

// Advertisement is the primary state broadcast (spec.md §4.2).
type Advertisement struct {
	SenderWgIP     net.IP
	SenderName     string
	PublicKey      [32]byte
	KeyTimestamp   uint64
	AdminPort      uint16
	Endpoints      []Endpoint
	Routes         []RouteDigest
	RouteDBVersion uint32
}

// AdvertisementReply has the same shape as Advertisement; it is sent back to
// a previously-unknown sender so the recipient can bootstrap into our table.
type AdvertisementReply Advertisement

// LocalContactRequest probes a candidate local (LAN) endpoint.
type LocalContactRequest struct {
	SenderWgIP net.IP
	Candidate  Endpoint
}

// LocalContactReply acknowledges a LocalContactRequest.
type LocalContactReply struct {
	SenderWgIP net.IP
}

// ErrUnknownVariant is returned by Decode for a tag this build doesn't
// recognize. Per spec.md §4.2, callers must log and silently drop, not treat
// it as a protocol violation that demotes the sender.
var ErrUnknownVariant = fmt.Errorf("wire: unknown message variant")

const (
	maxStringLen = 255
	maxEndpoints = 32
	maxRoutes    = 4096 // generous; hop-count cap (16) keeps real meshes far below this
)

// Encode serializes one of the four message variants into its wire form,
// including the leading tag byte.
func Encode(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case *Advertisement:
		buf.WriteByte(byte(TagAdvertisement))
		if err := encodeAdvertisement(&buf, (*Advertisement)(m)); err != nil {
			return nil, err
		}
	case *AdvertisementReply:
		buf.WriteByte(byte(TagAdvertisementReply))
		if err := encodeAdvertisement(&buf, (*Advertisement)(m)); err != nil {
			return nil, err
		}
	case *LocalContactRequest:
		buf.WriteByte(byte(TagLocalContactRequest))
		writeIP4(&buf, m.SenderWgIP)
		if err := writeEndpoint(&buf, m.Candidate); err != nil {
			return nil, err
		}
	case *LocalContactReply:
		buf.WriteByte(byte(TagLocalContactReply))
		writeIP4(&buf, m.SenderWgIP)
	default:
		return nil, fmt.Errorf("wire: unsupported message type %T", msg)
	}
	return buf.Bytes(), nil
}

// Decode parses a wire payload back into one of the four variant pointer
// types, or (nil, ErrUnknownVariant) for a tag this build doesn't recognize.
func Decode(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wire: empty payload")
	}
	r := bytes.NewReader(data[1:])
	switch Tag(data[0]) {
	case TagAdvertisement:
		adv, err := decodeAdvertisement(r)
		if err != nil {
			return nil, err
		}
		return adv, nil
	case TagAdvertisementReply:
		adv, err := decodeAdvertisement(r)
		if err != nil {
			return nil, err
		}
		reply := AdvertisementReply(*adv)
		return &reply, nil
	case TagLocalContactRequest:
		ip, err := readIP4(r)
		if err != nil {
			return nil, err
		}
		ep, err := readEndpoint(r)
		if err != nil {
			return nil, err
		}
		return &LocalContactRequest{SenderWgIP: ip, Candidate: ep}, nil
	case TagLocalContactReply:
		ip, err := readIP4(r)
		if err != nil {
			return nil, err
		}
		return &LocalContactReply{SenderWgIP: ip}, nil
	default:
		return nil, ErrUnknownVariant
	}
}

func encodeAdvertisement(buf *bytes.Buffer, a *Advertisement) error {
	writeIP4(buf, a.SenderWgIP)
	if err := writeString(buf, a.SenderName); err != nil {
		return err
	}
	buf.Write(a.PublicKey[:])
	writeUint64(buf, a.KeyTimestamp)
	writeUint16(buf, a.AdminPort)

	if len(a.Endpoints) > maxEndpoints {
		return fmt.Errorf("wire: %d endpoints exceeds max %d", len(a.Endpoints), maxEndpoints)
	}
	buf.WriteByte(byte(len(a.Endpoints)))
	for _, ep := range a.Endpoints {
		if err := writeEndpoint(buf, ep); err != nil {
			return err
		}
	}

	if len(a.Routes) > maxRoutes {
		return fmt.Errorf("wire: %d routes exceeds max %d", len(a.Routes), maxRoutes)
	}
	writeUint16(buf, uint16(len(a.Routes)))
	for _, rd := range a.Routes {
		writeIP4(buf, rd.DestWgIP)
		buf.WriteByte(rd.HopCount)
	}

	writeUint32(buf, a.RouteDBVersion)
	return nil
}

func decodeAdvertisement(r *bytes.Reader) (*Advertisement, error) {
	a := &Advertisement{}

	ip, err := readIP4(r)
	if err != nil {
		return nil, err
	}
	a.SenderWgIP = ip

	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	a.SenderName = name

	if _, err := io.ReadFull(r, a.PublicKey[:]); err != nil {
		return nil, fmt.Errorf("wire: read public key: %w", err)
	}

	a.KeyTimestamp, err = readUint64(r)
	if err != nil {
		return nil, err
	}
	a.AdminPort, err = readUint16(r)
	if err != nil {
		return nil, err
	}

	numEndpoints, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: read endpoint count: %w", err)
	}
	a.Endpoints = make([]Endpoint, 0, numEndpoints)
	for i := 0; i < int(numEndpoints); i++ {
		ep, err := readEndpoint(r)
		if err != nil {
			return nil, err
		}
		a.Endpoints = append(a.Endpoints, ep)
	}

	numRoutes, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(numRoutes) > maxRoutes {
		return nil, fmt.Errorf("wire: %d routes exceeds max %d", numRoutes, maxRoutes)
	}
	a.Routes = make([]RouteDigest, 0, numRoutes)
	for i := 0; i < int(numRoutes); i++ {
		destIP, err := readIP4(r)
		if err != nil {
			return nil, err
		}
		hops, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: read hop count: %w", err)
		}
		a.Routes = append(a.Routes, RouteDigest{DestWgIP: destIP, HopCount: hops})
	}

	a.RouteDBVersion, err = readUint32(r)
	if err != nil {
		return nil, err
	}

	return a, nil
}

func writeEndpoint(buf *bytes.Buffer, ep Endpoint) error {
	if err := writeString(buf, ep.Host); err != nil {
		return err
	}
	writeUint16(buf, ep.Port)
	buf.WriteByte(byte(ep.Class))
	return nil
}

func readEndpoint(r *bytes.Reader) (Endpoint, error) {
	host, err := readString(r)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := readUint16(r)
	if err != nil {
		return Endpoint{}, err
	}
	classByte, err := r.ReadByte()
	if err != nil {
		return Endpoint{}, fmt.Errorf("wire: read endpoint class: %w", err)
	}
	return Endpoint{Host: host, Port: port, Class: EndpointClass(classByte)}, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("wire: string of %d bytes exceeds max %d", len(s), maxStringLen)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("wire: read string length: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("wire: read string: %w", err)
	}
	return string(b), nil
}

func writeIP4(buf *bytes.Buffer, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	buf.Write(v4)
}

func readIP4(r *bytes.Reader) (net.IP, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("wire: read ip: %w", err)
	}
	return net.IPv4(b[0], b[1], b[2], b[3]), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("wire: read uint16: %w", err)
	}
	return binary.BigEndian.Uint16(b), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("wire: read uint32: %w", err)
	}
	return binary.BigEndian.Uint32(b), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("wire: read uint64: %w", err)
	}
	return binary.BigEndian.Uint64(b), nil
}
