package handler

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"greenhouse-ops/internal/middleware"
	"greenhouse-ops/internal/model"
)

const (
	maxUserAgentLength = 256
	maxAddressLength   = 64
)

func provenanceFromRequest(r *http.Request) model.Provenance {
	return model.Provenance{
		Address:   cleanHeaderValue(middleware.ClientIP(r), maxAddressLength),
		UserAgent: cleanHeaderValue(r.UserAgent(), maxUserAgentLength),
	}
}

// cleanHeaderValue makes a client-supplied value safe to store in a text column:
// valid UTF-8, no NUL bytes, at most limit bytes, never cut inside a rune.
func cleanHeaderValue(v string, limit int) string {
	v = strings.ToValidUTF8(v, "")
	v = strings.ReplaceAll(v, "\x00", "")
	if len(v) <= limit {
		return v
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut]
}
