package mailbox

import "strings"

// providerEndpoints maps a configured provider name to its IMAP
// endpoint.
var providerEndpoints = map[string]endpoint{
	"qq":      {"imap.qq.com", 993},
	"163":     {"imap.163.com", 993},
	"126":     {"imap.126.com", 993},
	"yeah":    {"imap.yeah.net", 993},
	"188":     {"imap.188.com", 993},
	"gmail":   {"imap.gmail.com", 993},
	"outlook": {"outlook.office365.com", 993},
	"hotmail": {"outlook.office365.com", 993},
	"yahoo":   {"imap.mail.yahoo.com", 993},
	"icloud":  {"imap.mail.me.com", 993},
}

// domainEndpoints maps a mail-address domain to its IMAP endpoint when
// the provider name gives no match.
var domainEndpoints = map[string]endpoint{
	"qq.com":      {"imap.qq.com", 993},
	"163.com":     {"imap.163.com", 993},
	"126.com":     {"imap.126.com", 993},
	"yeah.net":    {"imap.yeah.net", 993},
	"188.com":     {"imap.188.com", 993},
	"gmail.com":   {"imap.gmail.com", 993},
	"outlook.com": {"outlook.office365.com", 993},
	"hotmail.com": {"outlook.office365.com", 993},
	"yahoo.com":   {"imap.mail.yahoo.com", 993},
	"icloud.com":  {"imap.mail.me.com", 993},
}

type endpoint struct {
	host string
	port int
}

// ResolveEndpoint picks the IMAP host and port for an account. An
// explicit host on the account wins, then the provider name, then the
// address domain, and finally the imap.<domain>:993 convention.
func ResolveEndpoint(email, provider, host string, port int) (string, int) {
	if host != "" {
		if port == 0 {
			port = 993
		}
		return host, port
	}
	if ep, ok := providerEndpoints[provider]; ok {
		return ep.host, ep.port
	}

	domain := ""
	if at := strings.LastIndex(email, "@"); at >= 0 {
		domain = strings.ToLower(email[at+1:])
	}
	if ep, ok := domainEndpoints[domain]; ok {
		return ep.host, ep.port
	}
	return "imap." + domain, 993
}

// LoginUsername derives the username sent at login. QQ mail expects the
// bare local part even when the account is configured with the full
// address.
func LoginUsername(username, provider string) string {
	if provider == "qq" {
		if at := strings.Index(username, "@"); at >= 0 {
			return username[:at]
		}
	}
	return username
}
