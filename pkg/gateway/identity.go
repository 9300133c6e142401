package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/skela-systems/modelgw/pkg/config"
)

const anonymousUserID = "anonymous"

// callerIdentity is what the attribution headers resolve to. It feeds usage
// records and the soft business-unit policy, never authentication.
type callerIdentity struct {
	UserID     string
	UserName   string
	Department string
	Unit       string
}

func identityFromRequest(r *http.Request, h config.HeadersConfig) callerIdentity {
	id := callerIdentity{
		UserID:     strings.TrimSpace(r.Header.Get(h.User)),
		UserName:   decodeHeader(r.Header.Get(h.UserName)),
		Department: decodeHeader(r.Header.Get(h.Department)),
	}
	if id.UserID == "" {
		id.UserID = anonymousUserID
	}
	id.Unit = businessUnitOf(id.Department)
	return id
}

// decodeHeader percent-decodes defensively: proxies in front of the gateway
// encode non-ASCII display names, but some clients send them raw.
func decodeHeader(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}

// businessUnitOf maps a department path like "DS/Search/Ranking" to its
// top-level unit.
func businessUnitOf(department string) string {
	department = strings.TrimSpace(department)
	if department == "" {
		return ""
	}
	unit, _, _ := strings.Cut(department, "/")
	return strings.ToUpper(strings.TrimSpace(unit))
}
