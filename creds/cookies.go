package creds

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reelgrab/reel-api/errors"
)

// Cookie is one entry of a Netscape format cookie jar.
type Cookie struct {
	Domain            string
	IncludeSubdomains bool
	Path              string
	Secure            bool
	// Expires is zero for session cookies, which never age out here.
	Expires time.Time
	Name    string
	Value   string
}

// httpOnlyPrefix marks real cookie lines that would otherwise look like
// comments. curl and yt-dlp both emit it.
const httpOnlyPrefix = "#HttpOnly_"

// ParseCookies reads a Netscape cookies.txt jar and returns the cookies still
// alive at now. Malformed lines fail the whole jar; a jar whose live set is
// empty is rejected since it cannot authenticate anything.
func ParseCookies(data []byte, now time.Time) ([]Cookie, error) {
	var live []Cookie
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if prefixed, ok := strings.CutPrefix(line, httpOnlyPrefix); ok {
			line = prefixed
		} else if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, errors.Tagf(errors.KindInvalidInput, "cookie jar line %d has %d fields, want 7", lineNo, len(fields))
		}
		expiry, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, errors.Tagf(errors.KindInvalidInput, "cookie jar line %d has invalid expiry %q", lineNo, fields[4])
		}
		cookie := Cookie{
			Domain:            fields[0],
			IncludeSubdomains: strings.EqualFold(fields[1], "TRUE"),
			Path:              fields[2],
			Secure:            strings.EqualFold(fields[3], "TRUE"),
			Name:              fields[5],
			Value:             fields[6],
		}
		if cookie.Domain == "" || cookie.Name == "" {
			return nil, errors.Tagf(errors.KindInvalidInput, "cookie jar line %d is missing domain or name", lineNo)
		}
		if expiry > 0 {
			cookie.Expires = time.Unix(expiry, 0).UTC()
			if cookie.Expires.Before(now) {
				continue
			}
		}
		live = append(live, cookie)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Tag(errors.KindInvalidInput, err)
	}
	if len(live) == 0 {
		return nil, errors.Tagf(errors.KindInvalidInput, "cookie jar has no live cookies")
	}
	return live, nil
}

// CookieDomains returns the distinct registrable domains in the jar, sorted.
func CookieDomains(cookies []Cookie) []string {
	seen := map[string]bool{}
	for _, c := range cookies {
		seen[strings.TrimPrefix(c.Domain, ".")] = true
	}
	domains := make([]string, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// Fingerprint identifies a cookie jar by the first 16 hex chars of its
// SHA-256, enough to tell bundles apart in logs without leaking material.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
