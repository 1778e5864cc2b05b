// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/btcpayjoin/ohttp"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/singleflight"
)

const (
	// keysPath is the directory resource serving its OHTTP key
	// configuration.
	keysPath = "ohttp-keys"

	// maxKeysResponse bounds the size of a key configuration response.
	maxKeysResponse = 64 * 1024

	// DefaultKeysTTL is how long fetched key configurations are reused.
	DefaultKeysTTL = time.Hour
)

// FetchOhttpKeys retrieves the directory's OHTTP key configuration. The
// request is tunneled through relay with HTTP CONNECT so the directory
// never learns the receiver's network address.
func FetchOhttpKeys(ctx context.Context, relay,
	directory *url.URL) (*ohttp.KeyConfig, error) {

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(relay)},
	}
	return fetchOhttpKeys(ctx, client, directory)
}

func fetchOhttpKeys(ctx context.Context, client *http.Client,
	directory *url.URL) (*ohttp.KeyConfig, error) {

	target := directory.JoinPath(keysPath)
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, target.String(), nil,
	)
	if err != nil {
		return nil, recvError(ErrImplementation,
			"cannot build key request", err)
	}
	req.Header.Set("Accept", ohttp.KeysContentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, recvError(ErrTransport,
			"cannot fetch ohttp keys", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, recvError(ErrTransport, "cannot fetch ohttp keys",
			fmt.Errorf("directory answered %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeysResponse))
	if err != nil {
		return nil, recvError(ErrTransport,
			"cannot read ohttp keys", err)
	}

	configs, err := ohttp.ParseKeyConfigs(body)
	if err != nil {
		return nil, recvError(ErrProtocol,
			"directory served malformed ohttp keys", err)
	}

	log.Debugf("Fetched %d ohttp key %s from %v", len(configs),
		pickNoun(len(configs), "config", "configs"), directory)

	return configs[0], nil
}

// KeyFetchFunc fetches the key configuration of a directory.
type KeyFetchFunc func(ctx context.Context, relay,
	directory *url.URL) (*ohttp.KeyConfig, error)

type cachedKeys struct {
	config  *ohttp.KeyConfig
	fetched time.Time
}

// KeyCache remembers directory key configurations. Concurrent lookups of
// the same directory share a single fetch.
type KeyCache struct {
	fetch KeyFetchFunc
	ttl   time.Duration
	clock clock.Clock

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cachedKeys
}

// NewKeyCache creates a cache that fetches with FetchOhttpKeys and keeps
// results for ttl.
func NewKeyCache(ttl time.Duration, clk clock.Clock) *KeyCache {
	return NewKeyCacheWithFetcher(FetchOhttpKeys, ttl, clk)
}

// NewKeyCacheWithFetcher creates a cache over a custom fetch function.
func NewKeyCacheWithFetcher(fetch KeyFetchFunc, ttl time.Duration,
	clk clock.Clock) *KeyCache {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &KeyCache{
		fetch:   fetch,
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]cachedKeys),
	}
}

// Fetch returns the key configuration for directory, fetching it through
// relay when it is missing or stale.
func (c *KeyCache) Fetch(ctx context.Context, relay,
	directory *url.URL) (*ohttp.KeyConfig, error) {

	key := directory.String()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.clock.Now().Sub(entry.fetched) < c.ttl {
		return entry.config, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		config, err := c.fetch(ctx, relay, directory)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cachedKeys{
			config:  config,
			fetched: c.clock.Now(),
		}
		c.mu.Unlock()

		return config, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*ohttp.KeyConfig), nil
}

// Invalidate drops the cached configuration of directory, for example after
// the gateway rejected a request encapsulated to it.
func (c *KeyCache) Invalidate(directory *url.URL) {
	c.mu.Lock()
	delete(c.entries, directory.String())
	c.mu.Unlock()
}
