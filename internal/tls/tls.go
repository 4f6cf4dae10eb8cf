// Package tls provides a persistent self-signed certificate for the dashboard.
// Browsers only expose the microphone on secure origins, so serving the UI to
// another machine on the lecture-room network needs HTTPS.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "lectern.crt"
	keyName  = "lectern.key"
	validFor = 365 * 24 * time.Hour
)

// GenerateOrLoad returns a TLS config backed by the certificate in certDir,
// creating a new one when it is missing or expires within a day. The
// certificate covers localhost, hostnames and every local interface address.
func GenerateOrLoad(certDir string, hostnames []string, logger *slog.Logger) (*tls.Config, error) {
	certFile := filepath.Join(certDir, certName)
	keyFile := filepath.Join(certDir, keyName)

	cert, expires, err := load(certFile, keyFile)
	switch {
	case err == nil && time.Now().Before(expires.Add(-24*time.Hour)):
		logger.Info("loaded existing TLS certificate", "expires", expires)
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	case err == nil:
		logger.Info("TLS certificate expiring, regenerating", "expires", expires)
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("existing TLS certificate unusable, regenerating", "error", err)
	}

	if err := generate(certDir, certFile, keyFile, hostnames); err != nil {
		return nil, err
	}
	cert, expires, err = load(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load generated cert: %w", err)
	}
	logger.Info("generated self-signed TLS certificate", "cert", certFile, "expires", expires)
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func load(certFile, keyFile string) (tls.Certificate, time.Time, error) {
	if _, err := os.Stat(certFile); err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	return cert, leaf.NotAfter, nil
}

func generate(certDir, certFile, keyFile string, hostnames []string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Lectern (self-signed)"},
			CommonName:   "Lectern Local",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              append([]string{"localhost"}, hostnames...),
		IPAddresses:           append([]net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}, localIPs()...),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certFile, 0644, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(keyFile, 0600, "EC PRIVATE KEY", keyDER)
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func localIPs() []net.IP {
	var ips []net.IP
	addrs, _ := net.InterfaceAddrs()
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}
