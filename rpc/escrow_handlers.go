package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowchain/core"
	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/native/escrow"
)

const (
	codeEscrowUnauthorized  = -32031
	codeEscrowInvalidAmount = -32032
	codeEscrowInvalidState  = -32033
	codeEscrowNotFound      = -32034
	codeInvalidCall         = -32035
	codeInsufficientFunds   = -32036
)

type escrowIDParams struct {
	ID string `json:"id"`
}

type accountParams struct {
	Address string `json:"address"`
}

type escrowJSON struct {
	ID            string `json:"id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Arbiter       string `json:"arbiter"`
	Amount        string `json:"amount"`
	State         uint8  `json:"state"`
	StateName     string `json:"stateName"`
	FundsReleased bool   `json:"fundsReleased"`
	FundsRefunded bool   `json:"fundsRefunded"`
	CreatedAt     int64  `json:"createdAt"`
	HeldBalance   string `json:"heldBalance"`
	Vault         string `json:"vault"`
}

type escrowCreateResult struct {
	ID     string      `json:"id"`
	TxHash string      `json:"txHash"`
	Escrow *escrowJSON `json:"escrow"`
}

type accountJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handleEscrowCreate(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	receipt, rpcErr := s.applyCall(r.Context(), req, types.TxTypeCreateEscrow)
	if rpcErr != nil {
		return nil, rpcErr
	}
	view := escrowView(receipt.Escrow, receipt.HeldBalance)
	return &escrowCreateResult{
		ID:     view.ID,
		TxHash: "0x" + hex.EncodeToString(receipt.TxHash),
		Escrow: view,
	}, nil
}

func (s *Server) handleEscrowDeposit(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.applyAndView(r.Context(), req, types.TxTypeDeposit)
}

func (s *Server) handleEscrowConfirm(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.applyAndView(r.Context(), req, types.TxTypeConfirmDelivery)
}

func (s *Server) handleEscrowRefund(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.applyAndView(r.Context(), req, types.TxTypeRefundBuyer)
}

func (s *Server) handleEscrowGet(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params escrowIDParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	esc, held, err := s.node.EscrowWithBalance(id)
	if err != nil {
		return nil, mapError(err)
	}
	return escrowView(esc, held), nil
}

func (s *Server) handleAccountGet(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params accountParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := crypto.ParseEscrowAddress(params.Address)
	if err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	acc, err := s.node.Account(addr)
	if err != nil {
		return nil, mapError(err)
	}
	return &accountJSON{
		Address: crypto.FromArray(addr).String(),
		Balance: acc.Balance.String(),
		Nonce:   acc.Nonce,
	}, nil
}

func (s *Server) applyAndView(ctx context.Context, req *RPCRequest, want types.TxType) (interface{}, *RPCError) {
	receipt, rpcErr := s.applyCall(ctx, req, want)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return escrowView(receipt.Escrow, receipt.HeldBalance), nil
}

// applyCall decodes the signed transaction in params[0] and submits it.
func (s *Server) applyCall(ctx context.Context, req *RPCRequest, want types.TxType) (*core.Receipt, *RPCError) {
	var tx types.Transaction
	if rpcErr := decodeSingleParam(req, &tx); rpcErr != nil {
		return nil, rpcErr
	}
	if tx.Type != want {
		return nil, &RPCError{
			Code:    codeInvalidParams,
			Message: "invalid_params",
			Data:    fmt.Sprintf("%s expects a %s transaction, got %s", req.Method, want, tx.Type),
		}
	}
	receipt, err := s.node.Apply(ctx, &tx)
	if err != nil {
		return nil, mapError(err)
	}
	return receipt, nil
}

// escrowView renders esc with held read from the same committed state.
func escrowView(esc *escrow.Escrow, held *big.Int) *escrowJSON {
	amount := "0"
	if esc.Amount != nil {
		amount = esc.Amount.String()
	}
	heldBalance := "0"
	if held != nil {
		heldBalance = held.String()
	}
	return &escrowJSON{
		ID:            "0x" + hex.EncodeToString(esc.ID[:]),
		Buyer:         crypto.FromArray(esc.Buyer).String(),
		Seller:        crypto.FromArray(esc.Seller).String(),
		Arbiter:       crypto.FromArray(esc.Arbiter).String(),
		Amount:        amount,
		State:         uint8(esc.State),
		StateName:     esc.State.String(),
		FundsReleased: esc.FundsReleased,
		FundsRefunded: esc.FundsRefunded,
		CreatedAt:     esc.CreatedAt,
		HeldBalance:   heldBalance,
		Vault:         crypto.FromArray(esc.Vault()).String(),
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: "expected exactly one parameter object"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}

func parseEscrowID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return id, fmt.Errorf("id required")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("id must be hex encoded: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("id must be 32 bytes")
	}
	copy(id[:], decoded)
	return id, nil
}

// mapError translates node and engine failures into JSON-RPC errors. Engine
// rejections carry the caller-facing reason as the message.
func mapError(err error) *RPCError {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		return &RPCError{Code: codeEscrowUnauthorized, Message: escrow.Reason(err)}
	case errors.Is(err, escrow.ErrInvalidAmount):
		return &RPCError{Code: codeEscrowInvalidAmount, Message: escrow.Reason(err)}
	case errors.Is(err, escrow.ErrInvalidState):
		return &RPCError{Code: codeEscrowInvalidState, Message: escrow.Reason(err)}
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return &RPCError{Code: codeEscrowNotFound, Message: "escrow not found"}
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return &RPCError{Code: codeInsufficientFunds, Message: "insufficient balance", Data: err.Error()}
	case errors.Is(err, core.ErrInvalidNonce), errors.Is(err, core.ErrInvalidSignature):
		return &RPCError{Code: codeInvalidCall, Message: err.Error()}
	case errors.Is(err, core.ErrInvalidTransaction), errors.Is(err, escrow.ErrInvalidParties), errors.Is(err, escrow.ErrEscrowExists):
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: "internal error", Data: err.Error()}
	}
}
