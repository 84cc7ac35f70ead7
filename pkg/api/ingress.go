package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
)

// maxIngressBodySize bounds how much of a request body is decoded
// before handing it to the gateway.
const maxIngressBodySize = 1 << 20

// handleIngress adapts an HTTP request into a gateway admission call
// and writes the structured response back.
func (s *server) handleIngress(w http.ResponseWriter, r *http.Request) {
	headers := flattenHeaders(r.Header)

	// The gateway derives the client identity from forwarding headers;
	// fall back to the socket address.
	if headers["x-real-ip"] == "" && headers["x-forwarded-for"] == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			headers["x-real-ip"] = host
		} else if r.RemoteAddr != "" {
			headers["x-real-ip"] = r.RemoteAddr
		}
	}

	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	body := decodeBody(r)

	resp := s.gw.ProcessRequest(r.Method, r.URL.Path, headers, body, query)

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	writeJSON(s.log, w, resp.Status, resp.Body)
}

// decodeBody reads a JSON request body, if any. Non-JSON payloads are
// passed through as raw strings.
func decodeBody(r *http.Request) any {
	if r.Body == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBodySize))
	if err != nil || len(data) == 0 {
		return nil
	}

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body any
		if err := json.Unmarshal(data, &body); err == nil {
			return body
		}
	}

	return string(data)
}

// flattenHeaders lowercases header names and keeps the first value.
func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))

	for k, vs := range h {
		if len(vs) > 0 {
			headers[strings.ToLower(k)] = vs[0]
		}
	}

	return headers
}
