package log

import (
	"net/url"
	"strings"
)

// keys whose values are URLs that can carry credentials in userinfo or query
var redactedKeys = []string{"url", "source", "source_url", "target", "callback"}

// RedactURL strips userinfo and query from a URL string so that access keys
// and signed tokens never reach the logs. Non-URL strings pass through.
func RedactURL(str string) string {
	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	if u.Scheme == "" && u.Host == "" {
		return str
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(keyvals))
	for i := 0; i < len(keyvals); i++ {
		kv := keyvals[i]
		out = append(out, kv)
		key, ok := kv.(string)
		if !ok || i+1 >= len(keyvals) {
			continue
		}
		if !isRedactedKey(key) {
			continue
		}
		i++
		if val, ok := keyvals[i].(string); ok {
			out = append(out, RedactURL(val))
		} else {
			out = append(out, keyvals[i])
		}
	}
	return out
}

func isRedactedKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range redactedKeys {
		if key == k {
			return true
		}
	}
	return false
}
