package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// adoSecret matches password-like keys in key=value;... connection strings
var adoSecret = regexp.MustCompile(`(?i)((?:password|pwd|accountkey|sharedaccesssignature)\s*=\s*)[^;]*`)

// RedactConnectionString hides credentials so a DSN can be logged
func RedactConnectionString(connectionString string) string {
	if u, err := url.Parse(connectionString); err == nil && u.User != nil {
		return u.Redacted()
	}
	return adoSecret.ReplaceAllString(connectionString, "${1}xxxxx")
}

// ServerName returns the database server a DSN points at, as a lower-case first
// DNS label. Both sqlserver:// URLs and ADO "server=host,port;..." strings are
// accepted. Loopback and IP hosts map to this machine's hostname. File DSNs
// such as SQLite paths have no server and return an error.
func ServerName(dsn string) (string, error) {
	host := adoServerHost(dsn)
	if host == "" {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection string: %w", err)
		}
		host = u.Hostname()
	}
	if host == "" || host == "." || strings.EqualFold(host, "(local)") {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.EqualFold(host, "localhost") || net.ParseIP(host) != nil {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}
	return strings.ToLower(strings.Split(host, ".")[0]), nil
}

// adoServerHost pulls the host out of "server=tcp:host\instance,1433;..."
func adoServerHost(dsn string) string {
	for _, part := range strings.Split(dsn, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "server", "data source", "address", "addr":
			host := strings.TrimPrefix(strings.TrimSpace(value), "tcp:")
			host, _, _ = strings.Cut(host, ",")
			host, _, _ = strings.Cut(host, "\\")
			return host
		}
	}
	return ""
}
