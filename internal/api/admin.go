package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/halt"
	"AgentVault/internal/owner"
	"AgentVault/internal/policy"

	"github.com/google/uuid"
)

type walletBody struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body walletBody
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if body.Address == "" {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空"))
			return
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}
		wallet := &owner.Wallet{
			ID:      body.ID,
			Name:    body.Name,
			Address: body.Address,
			Status:  owner.WalletActive,
		}
		if err := s.wallets.Create(r.Context(), wallet); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, wallet)
	case http.MethodGet:
		wallets, err := s.wallets.List(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wallets)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type ownerBody struct {
	Address string `json:"address"`
}

// handleWalletSub 分发 /wallets/{id} 与 /wallets/{id}/owner[/verify]。
func (s *Server) handleWalletSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/wallets/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		wallet, err := s.wallets.Get(r.Context(), parts[0])
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	case len(parts) == 2 && parts[1] == "owner":
		s.handleWalletOwner(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "owner" && parts[2] == "verify":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		if err := s.lifecycle.MarkVerified(r.Context(), parts[0]); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleWalletOwner(w http.ResponseWriter, r *http.Request, walletID string) {
	switch r.Method {
	case http.MethodGet:
		state, err := s.lifecycle.State(r.Context(), walletID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
	case http.MethodPost:
		var body ownerBody
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.lifecycle.SetOwner(r.Context(), walletID, body.Address); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(owner.StateGrace)})
	case http.MethodDelete:
		if err := s.lifecycle.RemoveOwner(r.Context(), walletID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(owner.StateNone)})
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var p policy.Policy
		if err := decodeJSON(r, &p); err != nil {
			s.writeError(w, err)
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := s.policies.Create(r.Context(), &p); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, &p)
	case http.MethodGet:
		policies, err := s.policies.List(r.Context(), r.URL.Query().Get("wallet_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, policies)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePolicyDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/policies/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.policies.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var p policy.Policy
		if err := decodeJSON(r, &p); err != nil {
			s.writeError(w, err)
			return
		}
		p.ID = id
		if err := s.policies.Update(r.Context(), &p); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &p)
	case http.MethodDelete:
		if err := s.policies.Delete(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "仅支持 GET/PUT/DELETE", http.StatusMethodNotAllowed)
	}
}

type haltBody struct {
	Actor string `json:"actor,omitempty"`
	From  string `json:"from,omitempty"`
}

func (s *Server) handleHaltState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	state, err := s.guard.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	activatedAt, activatedBy, err := s.guard.ActivationInfo(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        string(state),
		"activated_at": activatedAt,
		"activated_by": activatedBy,
	})
}

func (s *Server) handleHaltActivate(w http.ResponseWriter, r *http.Request) {
	s.handleHaltTransition(w, r, s.guard.Activate)
}

func (s *Server) handleHaltEscalate(w http.ResponseWriter, r *http.Request) {
	s.handleHaltTransition(w, r, s.guard.Escalate)
}

func (s *Server) handleHaltTransition(w http.ResponseWriter, r *http.Request,
	transition func(ctx context.Context, actor string) (bool, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var body haltBody
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if body.Actor == "" {
		body.Actor = "api"
	}
	changed, err := transition(r.Context(), body.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, _ := s.guard.State(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "state": string(state)})
}

func (s *Server) handleHaltRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var body haltBody
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	var (
		changed bool
		err     error
	)
	switch halt.State(strings.ToUpper(body.From)) {
	case halt.StateLocked:
		changed, err = s.guard.RecoverFromLocked(r.Context())
	default:
		changed, err = s.guard.RecoverFromSuspended(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, _ := s.guard.State(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "state": string(state)})
}

type sessionIssueBody struct {
	WalletID   string `json:"wallet_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var body sessionIssueBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.WalletID == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "wallet_id 不能为空"))
		return
	}
	// 签发前确认钱包存在。
	if _, err := s.wallets.Get(r.Context(), body.WalletID); err != nil {
		s.writeError(w, err)
		return
	}
	token, sess, err := s.sessions.Issue(r.Context(), body.WalletID, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "session": sess})
}

type sessionRevokeBody struct {
	SessionID string `json:"session_id,omitempty"`
	WalletID  string `json:"wallet_id,omitempty"`
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var body sessionRevokeBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	switch {
	case body.SessionID != "":
		if err := s.sessions.Revoke(r.Context(), body.SessionID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revoked": []string{body.SessionID}})
	case body.WalletID != "":
		revoked, err := s.sessions.RevokeWallet(r.Context(), body.WalletID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
	default:
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "session_id 或 wallet_id 必填其一"))
	}
}
