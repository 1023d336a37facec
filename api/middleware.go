package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/vocdoni/stx-mixer-relayer/log"
)

// localhostOnly restricts a route to loopback clients and the allowed IPs or
// CIDR ranges. Forwarding headers are ignored, only the peer address counts.
type localhostOnly struct {
	ips  []net.IP
	nets []*net.IPNet
}

func newLocalhostOnly(allowed []string) *localhostOnly {
	l := &localhostOnly{}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.Contains(a, "/") {
			_, n, err := net.ParseCIDR(a)
			if err != nil {
				log.Warnw("ignoring invalid CIDR", "cidr", a, "error", err)
				continue
			}
			l.nets = append(l.nets, n)
			continue
		}
		ip := net.ParseIP(a)
		if ip == nil {
			log.Warnw("ignoring invalid IP", "ip", a)
			continue
		}
		l.ips = append(l.ips, ip)
	}
	return l
}

func (l *localhostOnly) allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, a := range l.ips {
		if a.Equal(ip) {
			return true
		}
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Handler is the chi middleware.
func (l *localhostOnly) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allowed(r.RemoteAddr) {
			log.Warnw("rejected internal request", "remoteAddr", r.RemoteAddr, "path", r.URL.Path)
			ErrForbidden.Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
