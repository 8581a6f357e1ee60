// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/open-pki/go-cmp-server/internal/db"
)

// pkiUserRequest is the JSON shape for creating an enrolment record.
type pkiUserRequest struct {
	Reference  string `json:"reference"`
	Secret     string `json:"secret"`
	CommonName string `json:"common_name"`
	Org        string `json:"org,omitempty"`
	Country    string `json:"country,omitempty"`
}

type pkiUserResponse struct {
	Reference  string `json:"reference"`
	CommonName string `json:"common_name"`
	CreatedAt  string `json:"created_at"`
}

// UsersHandler manages PKI user records over JSON.
// Exposed as GET/POST /api/v1/users.
func UsersHandler(state *db.State) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Received users request", "method", r.Method, "path", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			listUsers(w, state)
		case http.MethodPost:
			createUser(w, r, state, &mu)
		default:
			slog.Debug("Method not allowed", "method", r.Method, "path", r.URL.Path)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func listUsers(w http.ResponseWriter, state *db.State) {
	users, err := state.ListUsers()
	if err != nil {
		slog.Error("Error listing PKI users", "err", err)
		http.Error(w, "Error listing users", http.StatusInternalServerError)
		return
	}
	out := make([]pkiUserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, pkiUserResponse{
			Reference:  string(u.Reference),
			CommonName: u.CommonName,
			CreatedAt:  u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("Error encoding users response", "err", err)
	}
}

func createUser(w http.ResponseWriter, r *http.Request, state *db.State, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "Invalid input", http.StatusBadRequest)
		return
	}
	var req pkiUserRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Debug("Error parsing request body", "err", err)
		http.Error(w, "Invalid input", http.StatusBadRequest)
		return
	}
	if req.Reference == "" || req.Secret == "" || req.CommonName == "" {
		http.Error(w, "reference, secret, and common_name are required", http.StatusBadRequest)
		return
	}

	name := pkix.Name{CommonName: req.CommonName}
	if req.Org != "" {
		name.Organization = []string{req.Org}
	}
	if req.Country != "" {
		name.Country = []string{req.Country}
	}
	subjectDER, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		slog.Error("Error encoding user subject", "err", err)
		http.Error(w, "Error processing user", http.StatusInternalServerError)
		return
	}

	if _, err := state.GetUserByReference([]byte(req.Reference)); err == nil {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		slog.Error("Error checking user existence", "err", err)
		http.Error(w, "Error processing user", http.StatusInternalServerError)
		return
	}

	user := &db.PKIUser{
		Reference:  []byte(req.Reference),
		Secret:     []byte(req.Secret),
		SubjectDER: subjectDER,
		CommonName: req.CommonName,
	}
	if err := state.CreateUser(user); err != nil {
		slog.Error("Error creating PKI user", "err", err)
		http.Error(w, "Error creating user", http.StatusInternalServerError)
		return
	}
	slog.Info("Created PKI user", "reference", req.Reference, "cn", req.CommonName)
	w.WriteHeader(http.StatusCreated)
}
