package core

import (
	"testing"
)

func newTestConfig(t *testing.T, mds ...MdBlock) *Config {
	t.Helper()
	cfg, err := NewConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	for _, md := range mds {
		cfg.AddMd(md)
	}
	return cfg
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := newTestConfig(t,
		MdBlock{Name: "example.com", Aliases: []string{"www.example.com", "Mail.Example.com"}},
		MdBlock{Name: "other.org", DriveMode: DRIVE_MANUAL},
	)

	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}

	names := reg.Names()
	if names[0] != "example.com" || names[1] != "other.org" {
		t.Errorf("Names = %v, configuration order lost", names)
	}

	md, ok := reg.Get("EXAMPLE.com")
	if !ok {
		t.Fatal("Get failed for known domain")
	}
	if len(md.Aliases) != 2 || md.Aliases[1] != "mail.example.com" {
		t.Errorf("Aliases = %v, want lowercased pair", md.Aliases)
	}
	dn := md.DomainNames()
	if len(dn) != 3 || dn[0] != "example.com" {
		t.Errorf("DomainNames = %v, want primary first", dn)
	}
	if !md.Covers("www.example.com") || !md.Covers("example.com") {
		t.Error("Covers missed a name the md owns")
	}
	if md.Covers("other.org") {
		t.Error("Covers matched a foreign name")
	}

	if _, ok := reg.Get("nosuch.example.com"); ok {
		t.Error("Get succeeded for unknown domain")
	}
}

func TestRegistryRejectsInvalidDomains(t *testing.T) {
	tests := []struct {
		name string
		mds  []MdBlock
	}{
		{"empty name", []MdBlock{{Name: "   "}}},
		{"bad syntax", []MdBlock{{Name: "not a domain"}}},
		{"bad alias", []MdBlock{{Name: "example.com", Aliases: []string{"-bad.example.com"}}}},
		{"duplicate md", []MdBlock{{Name: "example.com"}, {Name: "example.com"}}},
		{"alias collides with md", []MdBlock{{Name: "example.com"}, {Name: "other.org", Aliases: []string{"example.com"}}}},
		{"alias collides with alias", []MdBlock{
			{Name: "a.example.com", Aliases: []string{"shared.example.com"}},
			{Name: "b.example.com", Aliases: []string{"shared.example.com"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(t.TempDir(), "")
			if err != nil {
				t.Fatalf("NewConfig: %v", err)
			}
			for _, md := range tt.mds {
				cfg.mds = append(cfg.mds, md)
			}
			if _, err := NewRegistry(cfg); err == nil {
				t.Fatal("NewRegistry accepted invalid configuration")
			}
		})
	}
}

func TestRegistryWildcardNames(t *testing.T) {
	cfg := newTestConfig(t, MdBlock{Name: "example.com", Aliases: []string{"*.example.com"}})
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	md, _ := reg.Get("example.com")
	if len(md.Aliases) != 1 || md.Aliases[0] != "*.example.com" {
		t.Errorf("Aliases = %v, want wildcard kept", md.Aliases)
	}
}

func TestRegistrySelfAliasDropped(t *testing.T) {
	cfg := newTestConfig(t, MdBlock{Name: "example.com", Aliases: []string{"example.com", "www.example.com"}})
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	md, _ := reg.Get("example.com")
	if len(md.Aliases) != 1 || md.Aliases[0] != "www.example.com" {
		t.Errorf("Aliases = %v, want self alias dropped", md.Aliases)
	}
}
