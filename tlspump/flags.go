package tlspump

import (
	"crypto/tls"
	"crypto/x509"
	"time"
)

// Flags is the bit-mask input to session init, matching spec §6 exactly.
// Interpretation is left to the crypto engine; kumanet only forwards it.
type Flags uint32

const (
	FlagEnable          Flags = 1 << 0
	FlagSkipPeerVerify  Flags = 1 << 1
	FlagSkipHostVerify  Flags = 1 << 2
	FlagAllowSelfSigned Flags = 1 << 3
	FlagAllowExpired    Flags = 1 << 4
)

// ApplyFlags returns a clone of cfg (or a fresh config, if cfg is nil)
// with flags translated into the crypto/tls knobs that express the same
// relaxation. kumanet does not author certificates (spec §1 Non-goal); it
// only forwards what the caller asked the engine to tolerate.
func ApplyFlags(cfg *tls.Config, flags Flags) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if flags&FlagSkipPeerVerify != 0 {
		cfg.InsecureSkipVerify = true
		return cfg
	}
	if flags&(FlagSkipHostVerify|FlagAllowSelfSigned|FlagAllowExpired) == 0 {
		return cfg
	}

	// crypto/tls only exposes per-connection relaxation through a custom
	// VerifyConnection hook once the built-in chain/host check is disabled.
	// The hook re-runs chain verification itself, relaxing only what the
	// flags name: host matching when FlagSkipHostVerify, expiry when
	// FlagAllowExpired, the chain requirement for a lone self-signed cert
	// when FlagAllowSelfSigned.
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return nil
		}
		leaf := cs.PeerCertificates[0]
		opts := x509.VerifyOptions{
			Roots:     cfg.RootCAs,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if flags&FlagAllowSelfSigned != 0 && len(cs.PeerCertificates) == 1 && leaf.CheckSignatureFrom(leaf) == nil {
			// A lone self-signed cert is its own trust anchor; host and
			// expiry checks below still apply unless their flags are set.
			roots := x509.NewCertPool()
			roots.AddCert(leaf)
			opts.Roots = roots
		}
		if flags&FlagSkipHostVerify == 0 {
			opts.DNSName = cs.ServerName
		}
		if flags&FlagAllowExpired != 0 {
			opts.CurrentTime = leaf.NotBefore.Add(time.Second)
		}
		if len(cs.PeerCertificates) > 1 {
			opts.Intermediates = x509.NewCertPool()
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
		}
		_, err := leaf.Verify(opts)
		return err
	}
	return cfg
}
