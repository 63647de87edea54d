package core

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/JaytheSpazz/mod-md/log"
)

// Nameserver is the minimal authoritative DNS frontend for dns-01 validation:
// it answers TXT lookups for _acme-challenge records the ACME client has
// published, and A lookups with the configured server IP so the CA can reach
// the host at all.
type Nameserver struct {
	srv    *dns.Server
	cfg    *Config
	serial uint32

	mtx sync.Mutex
	txt map[string][]string
}

func NewNameserver(cfg *Config) (*Nameserver, error) {
	n := &Nameserver{
		serial: uint32(time.Now().Unix()),
		cfg:    cfg,
		txt:    make(map[string][]string),
	}

	dns.HandleFunc(".", n.handleRequest)

	return n, nil
}

func (n *Nameserver) Start() {
	go func() {
		n.srv = &dns.Server{Addr: ":" + strconv.Itoa(n.cfg.GetDnsPort()), Net: "udp"}
		if err := n.srv.ListenAndServe(); err != nil {
			log.Error("failed to start nameserver on port %d: %v", n.cfg.GetDnsPort(), err)
		}
	}()
}

// AddTXT publishes a TXT record. Multiple values per name accumulate, which
// dns-01 needs when one order covers several names under the same label.
func (n *Nameserver) AddTXT(fqdn string, value string, ttl int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	fqdn = strings.ToLower(dns.Fqdn(fqdn))
	n.txt[fqdn] = append(n.txt[fqdn], value)
	log.Debug("ns: published TXT %s", fqdn)
}

// ClearTXT withdraws all TXT records for a name.
func (n *Nameserver) ClearTXT(fqdn string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.txt, strings.ToLower(dns.Fqdn(fqdn)))
}

func (n *Nameserver) lookupTXT(fqdn string) []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.txt[strings.ToLower(fqdn)]
}

func (n *Nameserver) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	if len(r.Question) == 0 {
		w.WriteMsg(m)
		return
	}
	qname := strings.ToLower(r.Question[0].Name)

	switch r.Question[0].Qtype {
	case dns.TypeA:
		if n.cfg.GetServerIP() == "" {
			break
		}
		log.Debug("DNS A: %s = %s", qname, n.cfg.GetServerIP())
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP(n.cfg.GetServerIP()),
		}
		m.Answer = append(m.Answer, rr)
	case dns.TypeTXT:
		values := n.lookupTXT(qname)
		log.Debug("DNS TXT: %s (%d records)", qname, len(values))
		for _, v := range values {
			rr := &dns.TXT{
				Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{v},
			}
			m.Answer = append(m.Answer, rr)
		}
	}
	w.WriteMsg(m)
}
