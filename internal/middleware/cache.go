package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/escrow-reservation/internal/config"
)

// captureWriter copies the response body while forwarding it.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	limit  int
	over   bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.over {
		if cw.limit > 0 && cw.buf.Len()+len(b) > cw.limit {
			cw.over = true
			cw.buf.Reset()
		} else {
			cw.buf.Write(b)
		}
	}
	return cw.ResponseWriter.Write(b)
}

// responseStore holds encoded responses.
type responseStore interface {
	get(ctx context.Context, key string) ([]byte, bool)
	set(ctx context.Context, key string, payload []byte)
}

type redisResponses struct {
	rdb redis.Cmdable
	cfg config.CacheConfig
}

func (s redisResponses) get(ctx context.Context, key string) ([]byte, bool) {
	bs, err := s.rdb.Get(ctx, key).Bytes()
	return bs, err == nil
}

func (s redisResponses) set(ctx context.Context, key string, payload []byte) {
	_ = s.rdb.Set(ctx, key, payload, s.cfg.TTL).Err()
}

type localResponses struct {
	lru *expirable.LRU[string, []byte]
}

func (s localResponses) get(_ context.Context, key string) ([]byte, bool) { return s.lru.Get(key) }

func (s localResponses) set(_ context.Context, key string, payload []byte) { s.lru.Add(key, payload) }

// CacheGeneration versions cached responses.  Bumping it orphans every
// entry stored under an older generation; those expire with their TTL.
// The counter lives in Redis when rdb is set so all instances share it.
type CacheGeneration struct {
	rdb   redis.Cmdable
	key   string
	local atomic.Uint64
}

func NewCacheGeneration(cfg config.CacheConfig, rdb redis.Cmdable) *CacheGeneration {
	return &CacheGeneration{rdb: rdb, key: cfg.Prefix + ":gen"}
}

func (g *CacheGeneration) current(ctx context.Context) string {
	if g == nil {
		return "0"
	}
	var shared uint64
	if g.rdb != nil {
		shared, _ = g.rdb.Get(ctx, g.key).Uint64()
	}
	return fmt.Sprintf("%d.%d", shared, g.local.Load())
}

// Bump starts a new generation.  When Redis cannot be reached only this
// instance moves on.
func (g *CacheGeneration) Bump(ctx context.Context) {
	if g == nil {
		return
	}
	if g.rdb != nil && g.rdb.Incr(ctx, g.key).Err() == nil {
		return
	}
	g.local.Add(1)
}

// InvalidateOnWrite bumps g after every successful response of the wrapped
// routes.
func InvalidateOnWrite(g *CacheGeneration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if status := c.Response().Status; err == nil && status >= 200 && status < 300 {
				g.Bump(context.WithoutCancel(c.Request().Context()))
			}
			return err
		}
	}
}

// cacheKey covers the concrete path, not the route pattern, so every
// provider gets its own entry.
func cacheKey(cfg config.CacheConfig, c echo.Context, gen string) string {
	r := c.Request()
	sum := sha1.Sum([]byte(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery))
	return fmt.Sprintf("%s:%s:%x", cfg.Prefix, gen, sum[:])
}

// encodePayload packs [4 bytes status][4 bytes header length][header JSON][body].
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(hdr)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdr)))
	copy(out[8:], hdr)
	copy(out[8+len(hdr):], body)
	return out, nil
}

func decodePayload(bs []byte) (status int, header http.Header, body []byte, ok bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status = int(binary.BigEndian.Uint32(bs[0:4]))
	hlen := int(binary.BigEndian.Uint32(bs[4:8]))
	if 8+hlen > len(bs) {
		return 0, nil, nil, false
	}
	header = make(http.Header)
	if hlen > 0 {
		if err := json.Unmarshal(bs[8:8+hlen], &header); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, header, bs[8+hlen:], true
}

// ResponseCache replays successful responses for cfg.TTL or until gen is
// bumped.  Entries are kept in Redis when rdb is set, otherwise in
// process.  gen may be nil.
func ResponseCache(cfg config.CacheConfig, rdb redis.Cmdable, gen *CacheGeneration) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	var store responseStore = localResponses{lru: expirable.NewLRU[string, []byte](10_000, nil, cfg.TTL)}
	if rdb != nil {
		store = redisResponses{rdb: rdb, cfg: cfg}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Methods[strings.ToUpper(c.Request().Method)] {
				return next(c)
			}
			ctx := c.Request().Context()
			key := cacheKey(cfg, c, gen.current(ctx))

			if bs, ok := store.get(ctx, key); ok {
				if status, hdr, body, ok := decodePayload(bs); ok {
					for k, vals := range hdr {
						if strings.EqualFold(k, echo.HeaderContentLength) {
							continue
						}
						for _, v := range vals {
							c.Response().Header().Add(k, v)
						}
					}
					c.Response().Header().Set("X-Cache", "HIT")
					c.Response().WriteHeader(status)
					_, err := c.Response().Write(body)
					return err
				}
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: cfg.MaxBodyBytes}
			c.Response().Writer = cw
			c.Response().Header().Set("X-Cache", "MISS")
			if err := next(c); err != nil {
				return err
			}
			if cw.status != http.StatusOK || cw.over {
				return nil
			}
			hdr := c.Response().Header().Clone()
			hdr.Del("X-Cache")
			if payload, err := encodePayload(cw.status, hdr, cw.buf.Bytes()); err == nil {
				store.set(context.WithoutCancel(ctx), key, payload)
			}
			return nil
		}
	}
}
