// Package security holds the cheap pre-tunnel request filter: a blocklist of
// scanner and exploit-probe signatures, plus a per-IP tracker that escalates
// repeat offenders to a temporary ban.
package security

import (
	"net/http"
	"strings"
)

// blockedPaths are path fragments that only vulnerability scanners ask for.
var blockedPaths = []string{
	"/.env",
	"/.git/",
	"/.vscode/",
	"/.DS_Store",
	"/config.json",
	"/swagger",
	"/actuator/",
	"/actutor/",
	"/graphql",
	"/api/graphql",
	"/.well-known/security.txt",
	"/telescope/",
	"/debug/",
	"/wp-content/",
	"/wp-admin/",
	"/?rest_route=",
	"/ecp/",
	"/v2/_catalog",
	"/v2/api-docs",
	"/v3/api-docs",
	"/webjars/",
	"/@vite/env",
	"/META-INF/",
	"/server-status",
	"/info.php",
	"/phpinfo.php",
	".action",
	"/api-docs/",
}

var blockedQueryPatterns = []string{
	"rest_route",
	"panel=config",
}

var blockedUserAgents = []string{
	"zgrab",
	"masscan",
	"nmap",
	"nikto",
	"sqlmap",
	"acunetix",
	"nessus",
	"openvas",
	"metasploit",
	"zmeu",
}

// Blocked reports whether the request matches a known probe signature and, if
// so, which list matched. It inspects only the URL and User-Agent, so it runs
// before any registry lookup.
func Blocked(r *http.Request) (bool, string) {
	target := strings.ToLower(r.URL.RequestURI())
	for _, p := range blockedPaths {
		if strings.Contains(target, strings.ToLower(p)) {
			return true, "path"
		}
	}
	for _, q := range blockedQueryPatterns {
		if strings.Contains(target, q) {
			return true, "query"
		}
	}
	agent := strings.ToLower(r.Header.Get("User-Agent"))
	for _, a := range blockedUserAgents {
		if strings.Contains(agent, a) {
			return true, "user_agent"
		}
	}
	return false, ""
}
