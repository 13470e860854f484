package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LESSONREEL_JWT_SECRET", testSecret)
	t.Setenv("LESSONREEL_SIGNER", "")
	t.Setenv("LESSONREEL_CDN_SIGNING_SECRET", "edge-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppPort != 8080 {
		t.Fatalf("expected default port 8080 got %d", cfg.AppPort)
	}
	if cfg.Signer != SignerCDN {
		t.Fatalf("expected cdn signer by default got %q", cfg.Signer)
	}
	if cfg.SignedURLTTL != time.Hour {
		t.Fatalf("expected 1h signed url ttl got %v", cfg.SignedURLTTL)
	}
}

func TestLoadDefaultSignerNeedsEdgeSecret(t *testing.T) {
	t.Setenv("LESSONREEL_JWT_SECRET", testSecret)
	t.Setenv("LESSONREEL_SIGNER", "")
	t.Setenv("LESSONREEL_CDN_SIGNING_SECRET", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CDN_SIGNING_SECRET") {
		t.Fatalf("expected missing edge secret to fail validation got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LESSONREEL_JWT_SECRET", testSecret)
	t.Setenv("LESSONREEL_SIGNER", "CDN")
	t.Setenv("LESSONREEL_CDN_SIGNING_SECRET", "edge-secret")
	t.Setenv("LESSONREEL_PORT", "9090")
	t.Setenv("LESSONREEL_SIGNED_URL_TTL", "30m")
	t.Setenv("LESSONREEL_CATALOG_CACHE_TTL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Signer != SignerCDN || cfg.AppPort != 9090 || cfg.SignedURLTTL != 30*time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.CatalogCacheTTL != 5*time.Minute {
		t.Fatalf("expected invalid duration to fall back, got %v", cfg.CatalogCacheTTL)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"shortSecret", Config{JWTSecret: "short", Signer: SignerS3, SignedURLTTL: time.Hour, ObjectStore: ObjectStoreConfig{Bucket: "b"}}, "JWT_SECRET"},
		{"s3WithoutBucket", Config{JWTSecret: testSecret, Signer: SignerS3, SignedURLTTL: time.Hour}, "S3_BUCKET"},
		{"cdnWithoutSecret", Config{JWTSecret: testSecret, Signer: SignerCDN, SignedURLTTL: time.Hour}, "CDN_SIGNING_SECRET"},
		{"unknownSigner", Config{JWTSecret: testSecret, Signer: "gcs", SignedURLTTL: time.Hour}, "unknown"},
		{"zeroTTL", Config{JWTSecret: testSecret, Signer: SignerCDN, CDN: CDNConfig{SigningSecret: "s"}}, "SIGNED_URL_TTL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q got %v", tc.wantErr, err)
			}
		})
	}

	ok := Config{JWTSecret: testSecret, Signer: SignerCDN, SignedURLTTL: time.Hour, CDN: CDNConfig{SigningSecret: "s"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid config got %v", err)
	}
}

func TestFromEnvSkipsValidation(t *testing.T) {
	t.Setenv("LESSONREEL_JWT_SECRET", "")
	t.Setenv("LESSONREEL_DATABASE_URL", "postgres://root@db:26257/lessonreel")

	cfg := FromEnv()
	if cfg.DatabaseURL != "postgres://root@db:26257/lessonreel" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to reject a missing jwt secret")
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := Config{TrustedProxies: " 10.0.0.0/8, 192.0.2.7 ,, ::ffff:192.0.2.8, 2001:db8::/32"}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "192.0.2.8/32", "2001:db8::/32"}
	if len(prefixes) != len(want) {
		t.Fatalf("expected %v got %v", want, prefixes)
	}
	for i, p := range prefixes {
		if p.String() != want[i] {
			t.Fatalf("prefix %d: expected %s got %s", i, want[i], p)
		}
	}

	bad := Config{JWTSecret: testSecret, Signer: SignerCDN, SignedURLTTL: time.Hour, CDN: CDNConfig{SigningSecret: "s"}, TrustedProxies: "10.0.0.0/33"}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "TRUSTED_PROXIES") {
		t.Fatalf("expected invalid proxy list to fail validation got %v", err)
	}
}
