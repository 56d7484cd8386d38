// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package identify

import (
	"encoding/binary"

	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"
)

// TLSInfo is what a ClientHello yields for flow enrichment.
type TLSInfo struct {
	SNI  string
	ALPN string
	JA3  string
}

const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01

	extServerName = 0x0000
	extALPN       = 0x0010
)

// ExtractTLS parses a TCP payload as a TLS ClientHello and returns the
// server name, first ALPN protocol and JA3 digest. Returns nil when the
// payload is not a ClientHello.
func (s *Service) ExtractTLS(payload []byte) *TLSInfo {
	if !s.opts.SNI && !s.opts.ALPN {
		return nil
	}
	if len(payload) < 6 || payload[0] != recordTypeHandshake || payload[5] != handshakeClientHello {
		return nil
	}

	info := &TLSInfo{}
	sni, alpn, ok := parseClientHelloExtensions(payload)
	if !ok {
		return nil
	}
	if s.opts.SNI {
		info.SNI = sni
	}
	if s.opts.ALPN {
		info.ALPN = alpn
	}

	var hello tlsx.ClientHelloBasic
	if err := hello.Unmarshal(payload); err == nil {
		info.JA3 = ja3.DigestHex(&hello)
	}

	return info
}

// parseClientHelloExtensions walks the ClientHello body and pulls the
// server_name and ALPN extensions. Offsets follow RFC 8446 section 4.1.2.
func parseClientHelloExtensions(payload []byte) (sni, alpn string, ok bool) {
	// 5 record header + 4 handshake header.
	pos := 9
	if len(payload) < pos+2 {
		return "", "", false
	}

	// client_version + random
	pos += 2 + 32
	if len(payload) < pos+1 {
		return "", "", false
	}

	// session_id
	pos += 1 + int(payload[pos])
	if len(payload) < pos+2 {
		return "", "", false
	}

	// cipher_suites
	pos += 2 + int(binary.BigEndian.Uint16(payload[pos:]))
	if len(payload) < pos+1 {
		return "", "", false
	}

	// compression_methods
	pos += 1 + int(payload[pos])
	if len(payload) < pos+2 {
		return "", "", false
	}

	extEnd := pos + 2 + int(binary.BigEndian.Uint16(payload[pos:]))
	pos += 2
	if extEnd > len(payload) {
		extEnd = len(payload)
	}

	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(payload[pos:])
		extLen := int(binary.BigEndian.Uint16(payload[pos+2:]))
		pos += 4
		if pos+extLen > extEnd {
			break
		}
		body := payload[pos : pos+extLen]
		pos += extLen

		switch extType {
		case extServerName:
			sni = parseServerName(body)
		case extALPN:
			alpn = parseALPN(body)
		}
	}

	return sni, alpn, true
}

func parseServerName(body []byte) string {
	// 2-byte list length, 1-byte name type, 2-byte name length.
	if len(body) < 5 || body[2] != 0 {
		return ""
	}
	nameLen := int(binary.BigEndian.Uint16(body[3:]))
	if len(body) < 5+nameLen {
		return ""
	}
	return string(body[5 : 5+nameLen])
}

func parseALPN(body []byte) string {
	// 2-byte list length, then length-prefixed protocol names; the
	// first entry is the client's preferred protocol.
	if len(body) < 3 {
		return ""
	}
	protoLen := int(body[2])
	if len(body) < 3+protoLen {
		return ""
	}
	return string(body[3 : 3+protoLen])
}
