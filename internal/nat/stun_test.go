package nat

import (
	"encoding/binary"
	"net"
	"testing"
)

func buildResponseWithXOR(txnID [12]byte, ip net.IP, port int) []byte {
	val := make([]byte, 8)
	val[0] = 0
	val[1] = 0x01
	binary.BigEndian.PutUint16(val[2:4], uint16(port)^uint16(magicCookie>>16))
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
	ip4 := ip.To4()
	for i := 0; i < 4; i++ {
		val[4+i] = ip4[i] ^ cookieBytes[i]
	}

	attrs := make([]byte, 4+len(val))
	binary.BigEndian.PutUint16(attrs[0:2], attrXORMappedAddress)
	binary.BigEndian.PutUint16(attrs[2:4], uint16(len(val)))
	copy(attrs[4:], val)

	resp := make([]byte, headerSize+len(attrs))
	binary.BigEndian.PutUint16(resp[0:2], bindingResponse)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attrs)))
	binary.BigEndian.PutUint32(resp[4:8], magicCookie)
	copy(resp[8:20], txnID[:])
	copy(resp[20:], attrs)
	return resp
}

func TestParseBindingResponseXORMapped(t *testing.T) {
	_, txnID := buildBindingRequest()
	wantIP := net.IPv4(203, 0, 113, 7)
	wantPort := 51820

	resp := buildResponseWithXOR(txnID, wantIP, wantPort)
	ip, port, err := parseBindingResponse(resp, txnID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if !ip.Equal(wantIP) {
		t.Errorf("ip = %v, want %v", ip, wantIP)
	}
	if port != wantPort {
		t.Errorf("port = %d, want %d", port, wantPort)
	}
}

func TestParseBindingResponseRejectsWrongTransactionID(t *testing.T) {
	_, txnID := buildBindingRequest()
	resp := buildResponseWithXOR(txnID, net.IPv4(203, 0, 113, 7), 51820)

	var otherTxnID [12]byte
	otherTxnID[0] = 0xff
	if _, _, err := parseBindingResponse(resp, otherTxnID); err == nil {
		t.Fatal("expected error for mismatched transaction id")
	}
}

func TestParseBindingResponseRejectsBadCookie(t *testing.T) {
	_, txnID := buildBindingRequest()
	resp := buildResponseWithXOR(txnID, net.IPv4(203, 0, 113, 7), 51820)
	binary.BigEndian.PutUint32(resp[4:8], 0)

	if _, _, err := parseBindingResponse(resp, txnID); err == nil {
		t.Fatal("expected error for invalid magic cookie")
	}
}

func TestParseBindingResponseTooShort(t *testing.T) {
	if _, _, err := parseBindingResponse([]byte{1, 2, 3}, [12]byte{}); err == nil {
		t.Fatal("expected error for undersized response")
	}
}
