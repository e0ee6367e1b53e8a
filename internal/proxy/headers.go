package proxy

import (
	"net/http"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/compensate"
)

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	// Recomputed by the client from the possibly rewritten body.
	"Content-Length": {},
}

// inbound auth headers are always stripped; the upstream credential replaces
// them.
var authHeaders = map[string]struct{}{
	"Authorization":  {},
	"X-Api-Key":      {},
	"X-Goog-Api-Key": {},
	"Api-Key":        {},
}

// authHeaderFor returns the header name and value carrying the upstream
// credential for a provider family.
func authHeaderFor(family autorouter.ProviderFamily, credential string) (string, string) {
	switch family {
	case autorouter.FamilyAnthropic:
		return "X-Api-Key", credential
	case autorouter.FamilyGemini:
		return "X-Goog-Api-Key", credential
	default:
		return "Authorization", "Bearer " + credential
	}
}

// buildOutbound assembles the outbound header set from the inbound one:
// hop-by-hop headers are dropped, the client's auth headers are replaced by
// the upstream credential, and compensation entries fill derived headers.
// The returned diff satisfies
// outboundCount == inboundCount - dropped + compensated, with the auth
// replacement counted on both sides.
func buildOutbound(in http.Header, family autorouter.ProviderFamily, credential string,
	entries []compensate.Entry) (http.Header, *autorouter.HeaderDiff) {

	out := make(http.Header, len(in))
	diff := &autorouter.HeaderDiff{InboundCount: len(in)}

	inboundAuth := 0
	for name, vals := range in {
		if _, hop := hopByHopHeaders[name]; hop {
			diff.Dropped = append(diff.Dropped, name)
			continue
		}
		if _, auth := authHeaders[name]; auth {
			// The first inbound auth header is the one being replaced; any
			// extras are plain drops.
			inboundAuth++
			if inboundAuth > 1 {
				diff.Dropped = append(diff.Dropped, name)
			}
			continue
		}
		out[name] = vals
		diff.Unchanged = append(diff.Unchanged, name)
	}

	authName, authValue := authHeaderFor(family, credential)
	out.Set(authName, authValue)
	if inboundAuth > 0 {
		diff.AuthReplaced = append(diff.AuthReplaced, authName)
	} else {
		// No inbound auth header to replace; the injection is an addition.
		diff.Compensated = append(diff.Compensated, authName)
	}

	for _, e := range entries {
		if out.Get(e.Target) != "" {
			continue
		}
		out.Set(e.Target, e.Value)
		diff.Compensated = append(diff.Compensated, e.Target)
	}

	diff.OutboundCount = len(out)
	return out, diff
}
