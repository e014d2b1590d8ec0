package webhook

import "strings"

type link struct {
	url string
	rel string
}

// splitLinks parses an RFC 8288 Link header value into url/rel pairs.
func splitLinks(header string) []link {
	var out []link
	for _, raw := range strings.Split(header, ",") {
		parts := strings.Split(raw, ";")
		u := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(u, "<") || !strings.HasSuffix(u, ">") {
			continue
		}
		l := link{url: strings.Trim(u, "<>")}
		for _, p := range parts[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(k, "rel") {
				l.rel = strings.Trim(v, `"`)
			}
		}
		out = append(out, l)
	}
	return out
}
