// Package synology talks to the DSM web API: it negotiates API versions,
// signs in to File Station and lists the sub-folders of a shared folder.
package synology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	apiInfo  = "SYNO.API.Info"
	apiAuth  = "SYNO.API.Auth"
	apiList  = "SYNO.FileStation.List"
	sessName = "FileStation"

	maxAuthVersion = 7
	maxListVersion = 2
)

// Attempt is one way of calling SYNO.API.Auth login.
type Attempt struct {
	Version int
	Method  string // http.MethodGet or http.MethodPost
	CGI     string // "auth.cgi" or "entry.cgi"
}

func (a Attempt) String() string {
	return fmt.Sprintf("v%d %s %s", a.Version, a.Method, a.CGI)
}

// DefaultPlan is tried in order when SYNO.API.Info is unavailable.
// DSM 7 serves auth from entry.cgi; DSM 6 and older still expose auth.cgi.
var DefaultPlan = []Attempt{
	{Version: 7, Method: http.MethodPost, CGI: "entry.cgi"},
	{Version: 6, Method: http.MethodGet, CGI: "entry.cgi"},
	{Version: 3, Method: http.MethodGet, CGI: "auth.cgi"},
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Account  string
	Password string
	Timeout  time.Duration
	Plan     []Attempt // nil means DefaultPlan
}

// Client is a File Station client. It is safe for sequential reuse; each
// Folders call signs in and out again.
type Client struct {
	http     *resty.Client
	account  string
	password string
	plan     []Attempt
	logger   *slog.Logger
}

// Login is the outcome of a successful sign-in.
type Login struct {
	SID         string
	Attempt     Attempt
	ListVersion int
}

// New creates a Client for the DSM instance at opts.BaseURL.
func New(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	plan := opts.Plan
	if plan == nil {
		plan = DefaultPlan
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(timeout).
			SetHeader("User-Agent", "lectern"),
		account:  opts.Account,
		password: opts.Password,
		plan:     plan,
		logger:   logger,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code int `json:"code"`
	} `json:"error"`
}

type apiInfoEntry struct {
	MaxVersion int    `json:"maxVersion"`
	MinVersion int    `json:"minVersion"`
	Path       string `json:"path"`
}

// call issues one web API request and decodes the envelope. Data is returned
// raw so callers can decode their own shape.
func (c *Client) call(ctx context.Context, method, cgi, api string, version int, params map[string]string) (json.RawMessage, *resty.Response, error) {
	all := map[string]string{
		"api":     api,
		"version": strconv.Itoa(version),
	}
	for k, v := range params {
		all[k] = v
	}

	req := c.http.R().SetContext(ctx)
	path := "/webapi/" + cgi
	var (
		resp *resty.Response
		err  error
	)
	if method == http.MethodPost {
		resp, err = req.SetFormData(all).Post(path)
	} else {
		resp, err = req.SetQueryParams(all).Get(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s request: %w", api, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, resp, &StatusError{URL: path, Status: resp.StatusCode()}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, resp, fmt.Errorf("%s decode response: %w", api, err)
	}
	if !env.Success {
		code := 100
		if env.Error != nil {
			code = env.Error.Code
		}
		return nil, resp, &APIError{API: api, Version: version, Code: code}
	}
	return env.Data, resp, nil
}

// Negotiate asks SYNO.API.Info which auth and list versions the NAS offers and
// returns the single login attempt to use together with the list version.
func (c *Client) Negotiate(ctx context.Context) (Attempt, int, error) {
	data, _, err := c.call(ctx, http.MethodGet, "query.cgi", apiInfo, 1, map[string]string{
		"method": "query",
		"query":  apiAuth + "," + apiList,
	})
	if err != nil {
		return Attempt{}, 0, err
	}

	var info map[string]apiInfoEntry
	if err := json.Unmarshal(data, &info); err != nil {
		return Attempt{}, 0, fmt.Errorf("%s decode data: %w", apiInfo, err)
	}
	auth, ok := info[apiAuth]
	if !ok || auth.Path == "" || auth.MaxVersion == 0 {
		return Attempt{}, 0, fmt.Errorf("%s did not advertise %s", apiInfo, apiAuth)
	}

	version := min(auth.MaxVersion, maxAuthVersion)
	if version < auth.MinVersion {
		return Attempt{}, 0, fmt.Errorf("%s needs at least v%d, client speaks up to v%d", apiAuth, auth.MinVersion, maxAuthVersion)
	}

	listVersion := maxListVersion
	if list, ok := info[apiList]; ok && list.MaxVersion > 0 {
		listVersion = min(list.MaxVersion, maxListVersion)
	}

	return Attempt{Version: version, Method: http.MethodPost, CGI: auth.Path}, listVersion, nil
}

// Login signs in. It negotiates first; if negotiation fails it walks the
// attempt plan in order, stopping at the first success. When every attempt
// fails only the last error is returned.
func (c *Client) Login(ctx context.Context) (*Login, error) {
	plan := c.plan
	listVersion := maxListVersion

	if a, lv, err := c.Negotiate(ctx); err == nil {
		c.logger.Info("negotiated DSM API", "attempt", a.String(), "list_version", lv)
		plan = []Attempt{a}
		listVersion = lv
	} else {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("API negotiation failed, falling back to attempt plan", "error", err, "attempts", len(plan))
	}

	var lastErr error
	for i, a := range plan {
		sid, err := c.loginWith(ctx, a)
		if err == nil {
			return &Login{SID: sid, Attempt: a, ListVersion: listVersion}, nil
		}
		lastErr = err
		c.logger.Warn("login attempt failed", "attempt", a.String(), "n", i+1, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no login attempts configured")
	}
	return nil, lastErr
}

func (c *Client) loginWith(ctx context.Context, a Attempt) (string, error) {
	data, resp, err := c.call(ctx, a.Method, a.CGI, apiAuth, a.Version, map[string]string{
		"method":  "login",
		"account": c.account,
		"passwd":  c.password,
		"session": sessName,
		"format":  "sid",
	})
	if err != nil {
		return "", err
	}

	var out struct {
		SID string `json:"sid"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("%s decode data: %w", apiAuth, err)
		}
	}
	if out.SID != "" {
		return out.SID, nil
	}
	// format=cookie servers ignore the sid format and only set the id cookie.
	for _, ck := range resp.Cookies() {
		if ck.Name == "id" && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", ErrNoSession
}

type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isdir"`
}

// ListFolders returns the sorted names of the directories directly under path.
func (c *Client) ListFolders(ctx context.Context, login *Login, path string) ([]string, error) {
	if login == nil || login.SID == "" {
		return nil, ErrNoSession
	}
	version := login.ListVersion
	if version == 0 {
		version = maxListVersion
	}
	data, _, err := c.call(ctx, http.MethodGet, "entry.cgi", apiList, version, map[string]string{
		"method":      "list",
		"folder_path": path,
		"_sid":        login.SID,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Files []fileEntry `json:"files"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s decode data: %w", apiList, err)
	}
	return dirNames(out.Files), nil
}

// dirNames keeps directory entries and returns their names sorted.
func dirNames(files []fileEntry) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir && f.Name != "" {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Logout ends the session. Failures are logged only.
func (c *Client) Logout(ctx context.Context, login *Login) {
	if login == nil || login.SID == "" {
		return
	}
	_, _, err := c.call(ctx, http.MethodGet, login.Attempt.CGI, apiAuth, login.Attempt.Version, map[string]string{
		"method":  "logout",
		"session": sessName,
		"_sid":    login.SID,
	})
	if err != nil {
		c.logger.Debug("logout failed", "error", err)
	}
}

// Folders runs the whole refresh: sign in, list path, sign out.
func (c *Client) Folders(ctx context.Context, path string) ([]string, error) {
	login, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout(context.WithoutCancel(ctx), login)

	names, err := c.ListFolders(ctx, login, path)
	if err != nil {
		return nil, err
	}
	c.logger.Info("listed NAS folders", "path", path, "count", len(names), "attempt", login.Attempt.String())
	return names, nil
}
