// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

// Package handlers contains the server's HTTP surface: the CMP protocol
// endpoint and the small JSON admin API.
package handlers

import (
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/open-pki/go-cmp-server/cmp"
	"github.com/open-pki/go-cmp-server/internal/ca"
)

const maxRequestSize = 1 << 20

// sessionTTL bounds how long an idle exchange may hold server state
// before it is evicted.
const sessionTTL = 5 * time.Minute

type liveSession struct {
	session  *cmp.Session
	lastSeen time.Time
}

// CMPHandler serves POST requests carrying DER PKI messages. Exchanges
// span several round trips, so sessions are kept keyed by transaction
// ID until they finish or expire.
type CMPHandler struct {
	authority *ca.CA
	ident     cmp.Identity
	limiter   *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewCMPHandler builds the protocol endpoint for an authority.
func NewCMPHandler(authority *ca.CA, ident cmp.Identity) *CMPHandler {
	return &CMPHandler{
		authority: authority,
		ident:     ident,
		limiter:   rate.NewLimiter(rate.Limit(50), 100),
		sessions:  make(map[string]*liveSession),
	}
}

func (h *CMPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil || len(raw) == 0 || len(raw) > maxRequestSize {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	txid, err := cmp.PeekTransactionID(raw)
	if err != nil {
		slog.Debug("Unparsable CMP request", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "Invalid PKI message", http.StatusBadRequest)
		return
	}
	key := hex.EncodeToString(txid)

	sess, err := h.sessionFor(key)
	if err != nil {
		slog.Error("Error creating CMP session", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := sess.HandleMessage(r.Context(), raw)
	if sess.Done() {
		h.finish(key, sess)
	}
	if err != nil {
		slog.Error("Error handling CMP message", "err", err, "txid", key)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", cmp.ContentType)
	if _, err := w.Write(resp); err != nil {
		slog.Debug("Error writing CMP response", "err", err)
	}
}

func (h *CMPHandler) sessionFor(key string) (*cmp.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for k, ls := range h.sessions {
		if now.Sub(ls.lastSeen) > sessionTTL {
			delete(h.sessions, k)
		}
	}

	if ls, ok := h.sessions[key]; ok {
		ls.lastSeen = now
		return ls.session, nil
	}
	sess, err := cmp.NewServerSession(h.authority, h.ident)
	if err != nil {
		return nil, err
	}
	h.sessions[key] = &liveSession{session: sess, lastSeen: now}
	return sess, nil
}

func (h *CMPHandler) finish(key string, sess *cmp.Session) {
	h.mu.Lock()
	delete(h.sessions, key)
	h.mu.Unlock()

	outcome := "ok"
	detail := ""
	if err := sess.Err(); err != nil {
		outcome = "failed"
		detail = err.Error()
	} else if sess.Declined() {
		outcome = "declined"
	}
	h.authority.RecordExchange(sess.TransactionID(), sess.Operation(), outcome, detail)
}
