package core

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

// recordingWriter captures the reply instead of putting it on the wire.
type recordingWriter struct {
	msg *dns.Msg
}

func (w *recordingWriter) LocalAddr() net.Addr         { return &net.UDPAddr{} }
func (w *recordingWriter) RemoteAddr() net.Addr        { return &net.UDPAddr{} }
func (w *recordingWriter) WriteMsg(m *dns.Msg) error   { w.msg = m; return nil }
func (w *recordingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *recordingWriter) Close() error                { return nil }
func (w *recordingWriter) TsigStatus() error           { return nil }
func (w *recordingWriter) TsigTimersOnly(bool)         {}
func (w *recordingWriter) Hijack()                     {}

func newTestNameserver(t *testing.T) *Nameserver {
	t.Helper()
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	cfg.SetServerIP("192.0.2.10")
	ns, err := NewNameserver(cfg)
	if err != nil {
		t.Fatalf("NewNameserver: %v", err)
	}
	return ns
}

func query(ns *Nameserver, name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	w := &recordingWriter{}
	ns.handleRequest(w, req)
	return w.msg
}

func TestNameserverTXT(t *testing.T) {
	ns := newTestNameserver(t)
	ns.AddTXT("_acme-challenge.example.com", "validation-value", 60)

	resp := query(ns, "_ACME-challenge.Example.COM", dns.TypeTXT)
	if resp == nil || len(resp.Answer) != 1 {
		t.Fatalf("answer = %v, want one TXT record", resp)
	}
	txt, ok := resp.Answer[0].(*dns.TXT)
	if !ok || txt.Txt[0] != "validation-value" {
		t.Errorf("answer = %v, want the published value", resp.Answer[0])
	}
}

func TestNameserverTXTAccumulates(t *testing.T) {
	ns := newTestNameserver(t)
	ns.AddTXT("_acme-challenge.example.com", "first", 60)
	ns.AddTXT("_acme-challenge.example.com", "second", 60)

	resp := query(ns, "_acme-challenge.example.com", dns.TypeTXT)
	if len(resp.Answer) != 2 {
		t.Fatalf("answers = %d, want both values for one label", len(resp.Answer))
	}
}

func TestNameserverClearTXT(t *testing.T) {
	ns := newTestNameserver(t)
	ns.AddTXT("_acme-challenge.example.com", "value", 60)
	ns.ClearTXT("_acme-challenge.example.com")

	resp := query(ns, "_acme-challenge.example.com", dns.TypeTXT)
	if len(resp.Answer) != 0 {
		t.Errorf("answers after clear = %v, want none", resp.Answer)
	}
}

func TestNameserverA(t *testing.T) {
	ns := newTestNameserver(t)

	resp := query(ns, "example.com", dns.TypeA)
	if len(resp.Answer) != 1 {
		t.Fatalf("answer = %v, want the server address", resp)
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok || a.A.String() != "192.0.2.10" {
		t.Errorf("answer = %v, want 192.0.2.10", resp.Answer[0])
	}
}

func TestNameserverUnknownTXT(t *testing.T) {
	ns := newTestNameserver(t)
	resp := query(ns, "_acme-challenge.nosuch.example.com", dns.TypeTXT)
	if len(resp.Answer) != 0 {
		t.Errorf("answers = %v, want empty reply", resp.Answer)
	}
}
