// SPDX-License-Identifier: Apache-2.0

// Package capability is the only surface a script can reach outward through.
// Scripts import it as "shaman" and receive a *Context bound to one run.
package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const (
	maxResponseBytes = 1 << 20
	maxLogLines      = 1000
	maxLogLineBytes  = 4096
)

// NetworkError marks a failure of the network substrate itself, as opposed to
// a remote answering with an error.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network unavailable: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrNoWallet is returned by Writer when no signing account is configured.
var ErrNoWallet = errors.New("no wallet configured")

type Options struct {
	Owner         string
	ChainID       uint64
	RPCURL        string
	WalletAddress string
	HTTPClient    *http.Client
	// OnLog sees each captured line as it is logged.
	OnLog func(line string)
}

type Context struct {
	ctx    context.Context
	opts   Options
	client *http.Client
	chain  *Reader
	wallet *Writer

	mu     sync.Mutex
	logs   []string
	txHash string
}

// New binds a capability context to ctx. Every outward call made through it
// is aborted when ctx ends.
func New(ctx context.Context, opts Options) *Context {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	c := &Context{ctx: ctx, opts: opts, client: client}
	rpc := &rpcClient{ctx: ctx, client: client, url: opts.RPCURL}
	c.chain = &Reader{rpc: rpc, chainID: opts.ChainID}
	c.wallet = &Writer{rpc: rpc, from: opts.WalletAddress, record: c.recordTx}
	return c
}

func (c *Context) Owner() string { return c.opts.Owner }

func (c *Context) Chain() *Reader { return c.chain }

func (c *Context) Wallet() *Writer { return c.wallet }

func (c *Context) Log(args ...any) {
	c.appendLog(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (c *Context) Logf(format string, args ...any) {
	c.appendLog(fmt.Sprintf(format, args...))
}

func (c *Context) appendLog(line string) {
	if len(line) > maxLogLineBytes {
		line = line[:maxLogLineBytes]
	}

	c.mu.Lock()
	if len(c.logs) >= maxLogLines {
		c.mu.Unlock()
		return
	}
	c.logs = append(c.logs, line)
	c.mu.Unlock()

	if c.opts.OnLog != nil {
		c.opts.OnLog(line)
	}
}

// Logs returns a copy of the lines captured so far, oldest first.
func (c *Context) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.logs...)
}

// TxHash is the hash of the last transaction the script sent, if any.
func (c *Context) TxHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txHash
}

func (c *Context) recordTx(hash string) {
	c.mu.Lock()
	c.txHash = hash
	c.mu.Unlock()
}

type Response struct {
	Status int
	Header map[string]string
	Body   string
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) JSON() (any, error) {
	return decodeJSON(r.Body)
}

func (c *Context) Get(rawURL string) (*Response, error) {
	return c.Fetch(http.MethodGet, rawURL, "", nil)
}

// Fetch performs one HTTP request. Non-2xx answers are returned as responses;
// only transport failures are errors.
func (c *Context) Fetch(method, rawURL, body string, headers map[string]string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("fetch: invalid url %q", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.ctx, strings.ToUpper(method), u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch " + u.Host, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: "fetch " + u.Host, Err: err}
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: make(map[string]string, len(resp.Header)),
		Body:   string(raw),
	}
	for k := range resp.Header {
		out.Header[k] = resp.Header.Get(k)
	}
	return out, nil
}
