package sandbox

import (
	"fmt"
	"strings"
)

// AllowlistScript renders the iptables setup applied at container start
// when the network allowlist is enabled. Established traffic, loopback,
// DNS, and the host gateway stay reachable; each allowed host is resolved
// and permitted; everything else is dropped.
func AllowlistScript(hosts []string) string {
	var b strings.Builder
	b.WriteString(`set -e
iptables -F OUTPUT
iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT
iptables -A OUTPUT -o lo -j ACCEPT
iptables -A OUTPUT -p udp --dport 53 -j ACCEPT
iptables -A OUTPUT -p tcp --dport 53 -j ACCEPT
for ip in $(getent ahostsv4 "host.docker.internal" | awk '{print $1}' | sort -u); do
  iptables -A OUTPUT -d "$ip" -j ACCEPT
done
`)
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		fmt.Fprintf(&b, `for ip in $(getent ahostsv4 %q | awk '{print $1}' | sort -u); do
  iptables -A OUTPUT -d "$ip" -j ACCEPT
done
`, host)
	}
	b.WriteString("iptables -A OUTPUT -j DROP\n")
	return b.String()
}
