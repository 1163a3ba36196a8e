package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "os"
    "sync"
    "time"
)

// Options defines mTLS configuration inputs for the API servers and clients.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

func caPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    pool.AppendCertsFromPEM(ca)
    return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. When a
// CA is given, client certificates are required and verified.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
    if o.CAFile != "" {
        pool, err := caPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := caPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload returns a server tls.Config that re-reads the certificate
// from disk lazily on handshake, so certificates can be rotated by replacing
// the files without restarting the process. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cfg := &tls.Config{}
    if o.CAFile != "" {
        pool, err := caPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }

    r := &certReloader{certFile: o.CertFile, keyFile: o.KeyFile, interval: 5 * time.Second}
    cfg.GetCertificate = r.get
    return cfg, nil
}

// certReloader caches a keypair and refreshes it at most once per interval.
type certReloader struct {
    certFile string
    keyFile  string
    interval time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (r *certReloader) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.cached != nil && time.Since(r.loaded) < r.interval {
        return r.cached, nil
    }
    cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
    if err != nil {
        if r.cached != nil {
            // keep serving the old cert rather than failing handshakes
            return r.cached, nil
        }
        return nil, err
    }
    r.cached = &cert
    r.loaded = time.Now()
    return r.cached, nil
}
