package main

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// listenerURL returns a human-friendly URL for the relay listener address.
// 1.- Decide whether the relay should advertise an HTTP or HTTPS scheme based on TLS configuration.
// 2.- Normalise the configured address so the message always shows a reachable host:port pair.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// certificateInfo is what the startup banner needs from the TLS certificate.
type certificateInfo struct {
	Names    []string
	NotAfter time.Time
}

// Expired reports whether the certificate is no longer valid at now.
func (c certificateInfo) Expired(now time.Time) bool {
	return !c.NotAfter.IsZero() && now.After(c.NotAfter)
}

// loadCertificateInfo reads the leaf certificate at path and returns its subject
// alternative names converted to Unicode, followed by its IP addresses.
func loadCertificateInfo(path string) (certificateInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return certificateInfo{}, fmt.Errorf("read certificate: %w", err)
	}
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			return certificateInfo{}, errors.New("no certificate found in " + path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return certificateInfo{}, fmt.Errorf("parse certificate: %w", err)
		}
		info := certificateInfo{NotAfter: cert.NotAfter}
		for _, name := range cert.DNSNames {
			info.Names = append(info.Names, unicodeHost(name))
		}
		for _, ip := range cert.IPAddresses {
			info.Names = append(info.Names, ip.String())
		}
		return info, nil
	}
}

func unicodeHost(name string) string {
	converted, err := idna.ToUnicode(name)
	if err != nil {
		return name
	}
	return converted
}

// advertisedURLs lists the URLs peers can use to reach the relay: every
// certificate name when TLS is on, otherwise the first non-loopback IPv4 address.
func advertisedURLs(port int, tlsEnabled bool, cert certificateInfo, addrs []net.Addr) []string {
	portText := strconv.Itoa(port)
	if tlsEnabled {
		urls := make([]string, 0, len(cert.Names))
		for _, name := range cert.Names {
			urls = append(urls, "https://"+net.JoinHostPort(name, portText))
		}
		return urls
	}
	if ip := firstIPv4(addrs); ip != "" {
		return []string{"http://" + net.JoinHostPort(ip, portText)}
	}
	return []string{"http://" + net.JoinHostPort("localhost", portText)}
}

func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
