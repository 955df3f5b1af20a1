package record

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"strings"
)

// HeadersToMap flattens h to one value per name. When a header repeats the
// first value wins. Names listed in redact (lower case) are replaced by the
// sha1 of their value.
func HeadersToMap(h http.Header, redact map[string]bool) map[string]string {
	ret := make(map[string]string, len(h))
	for k, vs := range h {
		v := ""
		if len(vs) > 0 {
			v = vs[0]
		}
		if redact[strings.ToLower(k)] {
			sha := sha1.Sum([]byte(v))
			v = "redacted:" + hex.EncodeToString(sha[:])
		}
		ret[k] = v
	}
	return ret
}
