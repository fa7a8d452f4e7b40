package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService        = "_dagnode-api._tcp"
	defaultMdnsTimeout = 3 * time.Second
)

// discoverNodeBaseURL browses the LAN for an advertised dagnode API and
// returns its base URL.
func discoverNodeBaseURL(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultMdnsTimeout
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var found string

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-entries:
				if e == nil {
					continue
				}
				if u := extractBaseURLFromTxt(e.Text); u != "" {
					found = u
					cancel() // stop browsing early
					return
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, mdnsService, "local.", entries); err != nil {
		return "", err
	}
	<-ctx.Done()

	if strings.TrimSpace(found) == "" {
		return "", fmt.Errorf("no %s advertisements found within %s", mdnsService, timeout)
	}
	return found, nil
}

// advertiseNodeBaseURL re-announces a known node for other LAN clients.
func advertiseNodeBaseURL(baseURL string) (stop func(), err error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return func() {}, nil
	}
	if strings.ContainsAny(baseURL, "\r\n") {
		return func() {}, fmt.Errorf("mdns base url must be a single line")
	}

	srv, err := zeroconf.Register("dagnode-api", mdnsService, "local.", extractPortFromURL(baseURL), []string{"baseurl=" + baseURL}, nil)
	if err != nil {
		return func() {}, err
	}
	log.Printf("mdns advertising: service=%s baseurl=%s", mdnsService, baseURL)
	return func() { srv.Shutdown() }, nil
}

func extractBaseURLFromTxt(txt []string) string {
	for _, s := range txt {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "baseurl=") {
			u := strings.TrimSpace(strings.TrimPrefix(s, "baseurl="))
			if u == "" || strings.ContainsAny(u, "\r\n") {
				continue
			}
			return u
		}
		// Allow advertising the bare URL as a single TXT string for simplicity.
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			return s
		}
	}
	return ""
}

func extractPortFromURL(baseURL string) int {
	const fallback = 8080
	u, err := url.Parse(baseURL)
	if err != nil {
		return fallback
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 && n <= 65535 {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	if u.Scheme == "http" {
		return 80
	}
	return fallback
}
