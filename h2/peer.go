/*
 *
 * Copyright 2014 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package h2

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/h2mux/h2mux/h2/hpack"
)

// Hop-by-hop headers never go on the wire in HTTP/2.
var connectionHeaders = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func lowerHeader(k string) string { return strings.ToLower(k) }

func headerListSize(hf []hpack.HeaderField) uint64 {
	var sz uint64
	for _, f := range hf {
		sz += uint64(f.Size())
	}
	return sz
}

// createRequestHeaders converts req into the pseudo-header form of RFC
// 7540 section 8.1.2.3. CONNECT carries only :method and :authority.
func (t *H2Transport) createRequestHeaders(req *http.Request) ([]hpack.HeaderField, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	authority := req.Host
	if authority == "" && req.URL != nil {
		authority = req.URL.Host
	}
	hf := make([]hpack.HeaderField, 0, len(req.Header)+5)
	hf = append(hf, hpack.HeaderField{Name: ":method", Value: method})
	if method == "CONNECT" {
		if authority == "" {
			return nil, ErrMissingUriSchemeAndAuthority
		}
	} else {
		if req.URL == nil || authority == "" {
			return nil, ErrMissingUriSchemeAndAuthority
		}
		scheme := req.URL.Scheme
		if scheme == "" {
			scheme = "http"
		}
		path := req.URL.RequestURI()
		if path == "" {
			path = "/"
		}
		hf = append(hf,
			hpack.HeaderField{Name: ":path", Value: path},
			hpack.HeaderField{Name: ":scheme", Value: scheme})
	}
	hf = append(hf, hpack.HeaderField{Name: ":authority", Value: authority})

	for k, vv := range req.Header {
		lk := lowerHeader(k)
		if connectionHeaders[lk] || lk == "host" {
			continue
		}
		if !httpguts.ValidHeaderFieldName(lk) {
			return nil, ErrMalformedHeaders
		}
		for _, v := range vv {
			if lk == "te" && v != "trailers" {
				// TE may only advertise "trailers" over HTTP/2.
				continue
			}
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, ErrMalformedHeaders
			}
			hf = append(hf, hpack.HeaderField{Name: lk, Value: v})
		}
	}
	if req.Header.Get("User-Agent") == "" && t.opts.UserAgent != "" {
		hf = append(hf, hpack.HeaderField{Name: "user-agent", Value: t.opts.UserAgent})
	}
	return hf, nil
}

// createResponseHeaders is the server-side counterpart; responses only
// carry :status.
func createResponseHeaders(status int, h http.Header) []hpack.HeaderField {
	if status == 0 {
		status = http.StatusOK
	}
	hf := make([]hpack.HeaderField, 0, len(h)+1)
	hf = append(hf, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for k, vv := range h {
		lk := lowerHeader(k)
		if connectionHeaders[lk] {
			continue
		}
		for _, v := range vv {
			hf = append(hf, hpack.HeaderField{Name: lk, Value: v})
		}
	}
	return hf
}

// requestFromHeaders rebuilds an http.Request from a decoded request
// header block. The declared content length is returned separately,
// -1 when absent.
func requestFromHeaders(f interface {
	PseudoValue(string) string
	RegularFields() []hpack.HeaderField
}) (*http.Request, int64, error) {
	method := f.PseudoValue(":method")
	path := f.PseudoValue(":path")
	scheme := f.PseudoValue(":scheme")
	authority := f.PseudoValue(":authority")
	if method == "" {
		return nil, 0, ErrMalformedHeaders
	}
	var u *url.URL
	if method == "CONNECT" {
		// RFC 7540 section 8.3: CONNECT omits :scheme and :path.
		if path != "" || scheme != "" || authority == "" {
			return nil, 0, ErrMalformedHeaders
		}
		u = &url.URL{Host: authority}
	} else {
		if path == "" || scheme == "" {
			return nil, 0, ErrMalformedHeaders
		}
		var err error
		u, err = url.ParseRequestURI(path)
		if err != nil {
			return nil, 0, ErrMalformedHeaders
		}
		u.Scheme = scheme
		u.Host = authority
	}
	h := http.Header{}
	for _, hf := range f.RegularFields() {
		h.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	cl := int64(-1)
	if v := h.Get("Content-Length"); v != "" {
		c, ok := parseContentLength(v)
		if !ok {
			return nil, 0, ErrMalformedHeaders
		}
		cl = c
	}
	req := &http.Request{
		Method:        method,
		URL:           u,
		Host:          authority,
		Header:        h,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		RequestURI:    path,
		ContentLength: cl,
	}
	if method == "CONNECT" {
		req.RequestURI = authority
	}
	return req, cl, nil
}

func parseContentLength(v string) (int64, bool) {
	if v == "" {
		return -1, false
	}
	n, err := strconv.ParseUint(v, 10, 63)
	if err != nil {
		return 0, false
	}
	return int64(n), true
}
