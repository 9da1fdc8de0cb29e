package api

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/pipeline"
	"AgentVault/internal/tx"
)

// submitBody 是交易提交请求体，金额为最小单位十进制字符串。
type submitBody struct {
	WalletID        string         `json:"wallet_id"`
	Chain           string         `json:"chain"`
	Type            string         `json:"type"`
	Amount          string         `json:"amount,omitempty"`
	ToAddress       string         `json:"to_address,omitempty"`
	TokenAddress    string         `json:"token_address,omitempty"`
	ContractAddress string         `json:"contract_address,omitempty"`
	MethodSignature string         `json:"method_signature,omitempty"`
	SpenderAddress  string         `json:"spender_address,omitempty"`
	ApprovedAmount  string         `json:"approved_amount,omitempty"`
	Data            string         `json:"data,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func parseAmount(field, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 必须是非负十进制整数")
	}
	return value, nil
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	approved, err := parseAmount("approved_amount", body.ApprovedAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		SessionToken:    bearerToken(r),
		WalletID:        body.WalletID,
		Chain:           body.Chain,
		Type:            tx.Type(body.Type),
		Amount:          amount,
		ToAddress:       body.ToAddress,
		TokenAddress:    body.TokenAddress,
		ContractAddress: body.ContractAddress,
		MethodSignature: body.MethodSignature,
		SpenderAddress:  body.SpenderAddress,
		ApprovedAmount:  approved,
		Data:            body.Data,
		Metadata:        body.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	opts := []tx.ListOption{}
	query := r.URL.Query()
	if walletID := query.Get("wallet_id"); walletID != "" {
		opts = append(opts, tx.WithWallet(walletID))
	}
	if chainName := query.Get("chain"); chainName != "" {
		opts = append(opts, tx.WithChain(chainName))
	}
	if raw := query.Get("status"); raw != "" {
		statuses := []tx.Status{}
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, tx.Status(strings.ToUpper(strings.TrimSpace(part))))
		}
		opts = append(opts, tx.WithStatuses(statuses...))
	}
	limit := 50
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	opts = append(opts, tx.WithLimit(limit))

	rows, err := s.txs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleTransactionSub 分发 /transactions/{id} 与 /transactions/{id}/cancel。
func (s *Server) handleTransactionSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		s.handleTransactionDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		s.handleTransactionCancel(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request, id string) {
	row, err := s.txs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type cancelBody struct {
	Reason string `json:"reason,omitempty"`
}

// handleTransactionCancel 撤销仍在冷却队列中的交易。
func (s *Server) handleTransactionCancel(w http.ResponseWriter, r *http.Request, id string) {
	var body cancelBody
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by request"
	}
	if err := s.cooldown.CancelDelay(r.Context(), id, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	row, err := s.txs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	pending, err := s.approvals.Pending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type approveBody struct {
	Signature string `json:"signature,omitempty"`
}

type rejectBody struct {
	Reason string `json:"reason,omitempty"`
}

// handleApprovalSub 分发 /approvals/{id}/approve 与 /approvals/{id}/reject。
func (s *Server) handleApprovalSub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/approvals/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "approve":
		var body approveBody
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &body); err != nil {
				s.writeError(w, err)
				return
			}
		}
		claimed, err := s.approvals.Approve(r.Context(), parts[0], body.Signature)
		if err != nil {
			s.writeError(w, err)
			return
		}
		// 放行后的执行不阻塞审批请求。
		s.executor.ExecuteAsync(claimed)
		writeJSON(w, http.StatusAccepted, claimed)
	case "reject":
		var body rejectBody
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &body); err != nil {
				s.writeError(w, err)
				return
			}
		}
		if body.Reason == "" {
			body.Reason = "rejected by owner"
		}
		if err := s.approvals.Reject(r.Context(), parts[0], body.Reason); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	default:
		http.NotFound(w, r)
	}
}
