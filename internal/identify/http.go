// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package identify

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
)

// HTTPInfo is the request metadata extracted from cleartext HTTP.
type HTTPInfo struct {
	Method    string
	Host      string
	URL       string
	UserAgent string
}

var httpMethods = [...]string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH "}

// ExtractHTTP parses a TCP payload as an HTTP/1.x request. Returns nil
// when the payload does not start with a known method.
func (s *Service) ExtractHTTP(payload []byte) *HTTPInfo {
	if len(payload) < 16 {
		return nil
	}

	start := string(payload[:16])
	matched := false
	for _, m := range httpMethods {
		if strings.HasPrefix(start, m) {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(payload)))
	if err != nil {
		return nil
	}
	defer req.Body.Close()

	info := &HTTPInfo{
		Method:    req.Method,
		Host:      req.Host,
		UserAgent: req.UserAgent(),
	}
	if req.URL != nil {
		info.URL = req.URL.RequestURI()
		if info.Host != "" {
			info.URL = info.Host + info.URL
		}
	}
	return info
}
