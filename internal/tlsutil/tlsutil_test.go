package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"

	"humble/internal/config"
)

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned("Humble", "voice.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf == nil {
		t.Fatal("leaf certificate not parsed")
	}
	if cert.Leaf.Subject.CommonName != "Humble" {
		t.Fatalf("common name = %q", cert.Leaf.Subject.CommonName)
	}
	found := false
	for _, san := range cert.Leaf.DNSNames {
		if san == "voice.example.com" {
			found = true
		}
	}
	if !found {
		t.Fatalf("host missing from SANs: %v", cert.Leaf.DNSNames)
	}
	if cert.Leaf.NotAfter.Before(time.Now().Add(300 * 24 * time.Hour)) {
		t.Fatalf("validity too short: %v", cert.Leaf.NotAfter)
	}
}

func TestNodeConfigDefaults(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	tc, err := NodeConfig(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(tc.Certificates) != 1 {
		t.Fatalf("expected one generated certificate, got %d", len(tc.Certificates))
	}
	if !tc.InsecureSkipVerify {
		t.Fatal("self-signed deployments skip chain verification by default")
	}
	if tc.ClientAuth != tls.RequestClientCert {
		t.Fatalf("client auth = %v, want RequestClientCert", tc.ClientAuth)
	}

	cfg.RequireClientCert = true
	cfg.RejectUnauthorized = true
	tc, err = NodeConfig(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tc.ClientAuth != tls.RequireAnyClientCert || tc.InsecureSkipVerify {
		t.Fatalf("strict options not honored: %v %v", tc.ClientAuth, tc.InsecureSkipVerify)
	}
}
