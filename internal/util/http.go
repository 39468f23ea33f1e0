package util

import (
	"net/http"
	"net/textproto"
	"strings"
)

// HasHeader reports whether name appears in h, regardless of casing.
func HasHeader(h http.Header, name string) bool {
	name = textproto.CanonicalMIMEHeaderKey(name)
	return len(h[name]) > 0
}

// HeaderContains reports whether any value of the named header matches
// value, after splitting comma-separated header lines.
func HeaderContains(h http.Header, name string, value string) bool {
	for _, t := range HeaderValues(h, name) {
		if strings.EqualFold(t, value) {
			return true
		}
	}

	return false
}

// HeaderValues returns every value of the named header, splitting
// comma-separated lines and trimming surrounding whitespace.
func HeaderValues(h http.Header, name string) []string {
	name = textproto.CanonicalMIMEHeaderKey(name)

	var values []string
	for _, l := range h[name] {
		for _, v := range strings.Split(l, ",") {
			values = append(values, strings.TrimSpace(v))
		}
	}

	return values
}
