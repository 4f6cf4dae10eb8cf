// Package webdav lists folders through the Synology WebDAV Server package.
// It is the fallback when the DSM web API is blocked or misbehaving.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ryan-winkler/lectern/internal/synology"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:displayname/>
    <D:resourcetype/>
  </D:prop>
</D:propfind>`

// Lister lists sub-folders with a Depth: 1 PROPFIND.
type Lister struct {
	http     *resty.Client
	baseURL  string
	account  string
	password string
	logger   *slog.Logger
}

// New creates a Lister for the WebDAV root at baseURL.
func New(baseURL, account, password string, timeout time.Duration, logger *slog.Logger) *Lister {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Lister{
		http:     resty.New().SetTimeout(timeout).SetHeader("User-Agent", "lectern"),
		baseURL:  strings.TrimRight(baseURL, "/"),
		account:  account,
		password: password,
		logger:   logger,
	}
}

type multistatus struct {
	Responses []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Prop struct {
				DisplayName  string `xml:"displayname"`
				ResourceType struct {
					Collection *struct{} `xml:"collection"`
				} `xml:"resourcetype"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

// Folders returns the sorted names of collections directly under folder.
// HTTP failures are reported as *synology.StatusError so callers can share hints.
func (l *Lister) Folders(ctx context.Context, folder string) ([]string, error) {
	target := l.baseURL + escapePath(folder)

	resp, err := l.http.R().
		SetContext(ctx).
		SetBasicAuth(l.account, l.password).
		SetHeader("Depth", "1").
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetBody(propfindBody).
		Execute("PROPFIND", target)
	if err != nil {
		return nil, fmt.Errorf("PROPFIND %s: %w", folder, err)
	}
	if resp.StatusCode() != http.StatusMultiStatus && resp.StatusCode() != http.StatusOK {
		return nil, &synology.StatusError{URL: target, Status: resp.StatusCode()}
	}

	names, err := parseFolders(resp.Body(), folder)
	if err != nil {
		return nil, err
	}
	l.logger.Info("listed WebDAV folders", "path", folder, "count", len(names))
	return names, nil
}

func parseFolders(body []byte, folder string) ([]string, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("decode multistatus: %w", err)
	}

	self := path.Base(strings.TrimRight(folder, "/"))
	var names []string
	for _, r := range ms.Responses {
		isDir := false
		for _, ps := range r.Propstat {
			if ps.Prop.ResourceType.Collection != nil {
				isDir = true
				break
			}
		}
		if !isDir {
			continue
		}
		// Servers may answer with absolute URLs; Path is already unescaped.
		href := r.Href
		if u, err := url.Parse(r.Href); err == nil {
			href = u.Path
		} else if p, err := url.PathUnescape(r.Href); err == nil {
			href = p
		}
		name := path.Base(strings.TrimRight(href, "/"))
		if name == "" || name == "." || name == "/" || name == self {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// escapePath percent-encodes each segment so spaces and Hangul survive.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	out := strings.Join(segs, "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}
