package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client wraps the content node's local HTTP API with typed calls.
// All RPCs are POSTs against the API port; content probes go to the
// node's gateway port. Requests carry the internal rotating key.
type Client struct {
	apiBase     string // http://127.0.0.1:5001
	gatewayBase string // http://127.0.0.1:8080
	httpc       *http.Client
	keyFn       func() string
}

// NewClient creates a node client. keyFn supplies the current internal
// rotating key; it may be nil for unauthenticated local nodes.
func NewClient(apiAddr, gatewayAddr string, keyFn func() string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		apiBase:     "http://" + apiAddr,
		gatewayBase: "http://" + gatewayAddr,
		httpc:       &http.Client{Transport: transport},
		keyFn:       keyFn,
	}
}

// GatewayBase returns the node gateway base URL (http://host:port).
func (c *Client) GatewayBase() string {
	return c.gatewayBase
}

func (c *Client) apiURL(path string, args url.Values) string {
	u := c.apiBase + "/api/v0/" + path
	if len(args) > 0 {
		u += "?" + args.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, path string, args url.Values, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(path, args), body)
	if err != nil {
		return nil, newError(KindProtocol, op, 0, err.Error())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.keyFn != nil {
		req.Header.Set("Authorization", "Bearer "+c.keyFn())
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, newError(KindTransient, op, 0, err.Error())
	}
	return resp, nil
}

// apiError drains the response and converts a non-2xx status into a
// tagged error. The node reports missing files as 500 with a JSON
// {"Message": "...does not exist..."} body, so the body text decides
// between not-found and protocol.
func apiError(op string, resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(raw)
	var decoded struct {
		Message string `json:"Message"`
	}
	if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
		msg = decoded.Message
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return newError(KindNotFound, op, resp.StatusCode, msg)
	case resp.StatusCode >= 500 && strings.Contains(msg, "does not exist"):
		return newError(KindNotFound, op, resp.StatusCode, msg)
	case resp.StatusCode >= 500 && strings.Contains(msg, "not pinned"):
		return newError(KindNotFound, op, resp.StatusCode, msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return newError(KindTransient, op, resp.StatusCode, msg)
	default:
		return newError(KindProtocol, op, resp.StatusCode, msg)
	}
}

func (c *Client) call(ctx context.Context, op, path string, args url.Values, out any) error {
	resp, err := c.do(ctx, op, path, args, nil, "")
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return apiError(op, resp)
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(KindProtocol, op, resp.StatusCode, err.Error())
	}
	return nil
}

type statResponse struct {
	Hash string `json:"Hash"`
	Size uint64 `json:"Size"`
	Type string `json:"Type"`
}

// FilesStat returns the stat of an MFS path.
func (c *Client) FilesStat(ctx context.Context, p string) (cid string, typ string, err error) {
	args := url.Values{"arg": {p}}
	var out statResponse
	if err := c.call(ctx, "files/stat", "files/stat", args, &out); err != nil {
		return "", "", err
	}
	return out.Hash, out.Type, nil
}

// ResolveMfsFolderToCid resolves an MFS folder to its current CID.
func (c *Client) ResolveMfsFolderToCid(ctx context.Context, p string) (string, error) {
	cid, _, err := c.FilesStat(ctx, p)
	return cid, err
}

// FilesMkdir creates an MFS directory.
func (c *Client) FilesMkdir(ctx context.Context, p string, parents bool) error {
	args := url.Values{"arg": {p}}
	if parents {
		args.Set("parents", "true")
	}
	return c.call(ctx, "files/mkdir", "files/mkdir", args, nil)
}

// FilesWrite streams r into an MFS file, creating parents and truncating.
func (c *Client) FilesWrite(ctx context.Context, p string, r io.Reader, mime string) error {
	args := url.Values{
		"arg":      {p},
		"create":   {"true"},
		"parents":  {"true"},
		"truncate": {"true"},
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		hdr := make(map[string][]string)
		hdr["Content-Disposition"] = []string{`form-data; name="data"; filename="data"`}
		if mime != "" {
			hdr["Content-Type"] = []string{mime}
		} else {
			hdr["Content-Type"] = []string{"application/octet-stream"}
		}
		part, err := mw.CreatePart(hdr)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	resp, err := c.do(ctx, "files/write", "files/write", args, pr, mw.FormDataContentType())
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return apiError("files/write", resp)
	}
	resp.Body.Close()
	return nil
}

// FilesCp copies a path (typically /ipfs/<cid>) into MFS.
func (c *Client) FilesCp(ctx context.Context, src, dst string) error {
	args := url.Values{"arg": {src, dst}}
	return c.call(ctx, "files/cp", "files/cp", args, nil)
}

// FilesMv moves an MFS path.
func (c *Client) FilesMv(ctx context.Context, src, dst string) error {
	args := url.Values{"arg": {src, dst}}
	return c.call(ctx, "files/mv", "files/mv", args, nil)
}

// FilesRm removes an MFS path.
func (c *Client) FilesRm(ctx context.Context, p string, recursive bool) error {
	args := url.Values{"arg": {p}}
	if recursive {
		args.Set("recursive", "true")
	}
	return c.call(ctx, "files/rm", "files/rm", args, nil)
}

type lsLink struct {
	Name string `json:"Name"`
}

type lsObject struct {
	Links []lsLink `json:"Links"`
}

type lsResponse struct {
	Objects []lsObject `json:"Objects"`
}

// ListDir lists a directory under /ipfs or an MFS path and returns a
// case-insensitive name index: lower(name) -> actual name. Names are
// iterated in the node's order; the returned map preserves only the
// first entry per folded name.
func (c *Client) ListDir(ctx context.Context, cidOrPath string) (map[string]string, error) {
	args := url.Values{"arg": {cidOrPath}}
	var out lsResponse
	if err := c.call(ctx, "ls", "ls", args, &out); err != nil {
		return nil, err
	}
	names := make(map[string]string)
	for _, obj := range out.Objects {
		for _, l := range obj.Links {
			lower := strings.ToLower(l.Name)
			if _, dup := names[lower]; !dup {
				names[lower] = l.Name
			}
		}
	}
	return names, nil
}

// SortedNames returns the actual names of a listing in sorted order.
// Handy for deterministic logs and tests.
func SortedNames(listing map[string]string) []string {
	out := make([]string, 0, len(listing))
	for _, v := range listing {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PinAdd pins a CID recursively.
func (c *Client) PinAdd(ctx context.Context, cid string, recursive bool) error {
	args := url.Values{"arg": {cid}}
	if recursive {
		args.Set("recursive", "true")
	}
	return c.call(ctx, "pin/add", "pin/add", args, nil)
}

// PinLs succeeds iff the CID is pinned.
func (c *Client) PinLs(ctx context.Context, cid string) error {
	args := url.Values{"arg": {cid}}
	return c.call(ctx, "pin/ls", "pin/ls", args, nil)
}

// BlockStat succeeds iff the block is present locally.
func (c *Client) BlockStat(ctx context.Context, cid string) error {
	args := url.Values{"arg": {cid}}
	return c.call(ctx, "block/stat", "block/stat", args, nil)
}

// IsCidLocal reports whether the CID is locally present. Pinned content
// counts first; an unpinned but cached block also counts.
func (c *Client) IsCidLocal(ctx context.Context, cid string) (bool, error) {
	err := c.PinLs(ctx, cid)
	if err == nil {
		return true, nil
	}
	if IsTransient(err) {
		return false, err
	}
	// pin/ls answers "not pinned" as an API error; anything that is not
	// clearly transient falls through to block/stat.
	err = c.BlockStat(ctx, cid)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

type cidFormatResponse struct {
	CidStr    string `json:"CidStr"`
	Formatted string `json:"Formatted"`
	ErrorMsg  string `json:"ErrorMsg"`
}

// FormatCid converts between CID versions and bases, e.g. v0/base58btc
// and v1/base32.
func (c *Client) FormatCid(ctx context.Context, cid string, version int, base string) (string, error) {
	args := url.Values{
		"arg": {cid},
		"v":   {fmt.Sprintf("%d", version)},
	}
	if base != "" {
		args.Set("b", base)
	}
	var out cidFormatResponse
	if err := c.call(ctx, "cid/format", "cid/format", args, &out); err != nil {
		return "", err
	}
	if out.ErrorMsg != "" {
		return "", newError(KindProtocol, "cid/format", 0, out.ErrorMsg)
	}
	return out.Formatted, nil
}

type namePublishResponse struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// NamePublish publishes /ipfs/<cid> under the named key.
func (c *Client) NamePublish(ctx context.Context, key, cid string, lifetime, ttl time.Duration) (peerID string, err error) {
	args := url.Values{
		"arg":      {"/ipfs/" + cid},
		"key":      {key},
		"lifetime": {lifetime.String()},
		"ttl":      {ttl.String()},
	}
	var out namePublishResponse
	if err := c.call(ctx, "name/publish", "name/publish", args, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

type nameResolveResponse struct {
	Path string `json:"Path"`
}

// NameResolve resolves an IPNS name to its current /ipfs path.
func (c *Client) NameResolve(ctx context.Context, name string) (string, error) {
	args := url.Values{"arg": {name}}
	var out nameResolveResponse
	if err := c.call(ctx, "name/resolve", "name/resolve", args, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// Key is one IPNS key held by the node.
type Key struct {
	Name string `json:"Name"`
	ID   string `json:"Id"`
}

type keyListResponse struct {
	Keys []Key `json:"Keys"`
}

// KeyList lists the node's IPNS keys.
func (c *Client) KeyList(ctx context.Context) ([]Key, error) {
	var out keyListResponse
	if err := c.call(ctx, "key/list", "key/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// KeyGen creates a new IPNS key.
func (c *Client) KeyGen(ctx context.Context, name string) (Key, error) {
	args := url.Values{"arg": {name}}
	var out Key
	if err := c.call(ctx, "key/gen", "key/gen", args, &out); err != nil {
		return Key{}, err
	}
	return out, nil
}

// KeyExport exports the named key, armored and passphrase protected.
func (c *Client) KeyExport(ctx context.Context, name, passphrase string) (string, error) {
	args := url.Values{
		"arg":      {name},
		"password": {passphrase},
		"format":   {"pem-pkcs8-cleartext"},
	}
	resp, err := c.do(ctx, "key/export", "key/export", args, nil, "")
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", apiError("key/export", resp)
	}
	defer resp.Body.Close()
	armored, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newError(KindProtocol, "key/export", resp.StatusCode, err.Error())
	}
	return string(armored), nil
}

// KeyImport imports an armored key under the given name.
func (c *Client) KeyImport(ctx context.Context, name, passphrase, armored string) (Key, error) {
	args := url.Values{
		"arg":      {name},
		"password": {passphrase},
		"format":   {"pem-pkcs8-cleartext"},
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("key", "key.pem")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.WriteString(part, armored); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	resp, err := c.do(ctx, "key/import", "key/import", args, pr, mw.FormDataContentType())
	if err != nil {
		return Key{}, err
	}
	if resp.StatusCode/100 != 2 {
		return Key{}, apiError("key/import", resp)
	}
	defer resp.Body.Close()
	var out Key
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Key{}, newError(KindProtocol, "key/import", resp.StatusCode, err.Error())
	}
	return out, nil
}
