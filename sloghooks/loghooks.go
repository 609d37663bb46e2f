package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/rangecache"
	"github.com/unkn0wn-root/rangecache/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	OverflowHitEvery uint64
	DemotedEvery     uint64
	// Optional id redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks[K comparable] struct {
	l    *slog.Logger
	opts Options

	hitCtr     atomic.Uint64
	demotedCtr atomic.Uint64
}

var _ rangecache.Hooks[string] = (*Hooks[string])(nil)

func New[K comparable](l *slog.Logger, opts Options) *Hooks[K] {
	return &Hooks[K]{l: l, opts: opts}
}

func (h *Hooks[K]) redact(id K) string {
	k := util.KeyString(id)
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks[K]) OverflowHit(id K) {
	if h.l == nil || !sample(h.opts.OverflowHitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("rangecache.overflow_hit",
		"id", h.redact(id))
}

func (h *Hooks[K]) OverflowCorrupt(id K, reason string) {
	if h.l == nil {
		return
	}
	h.l.Warn("rangecache.overflow_corrupt",
		"id", h.redact(id),
		"reason", reason)
}

func (h *Hooks[K]) Demoted(id K, spilled bool) {
	if h.l == nil || !sample(h.opts.DemotedEvery, &h.demotedCtr) {
		return
	}
	h.l.Debug("rangecache.demoted",
		"id", h.redact(id),
		"spilled", spilled)
}
