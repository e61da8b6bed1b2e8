package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

// maxSlotLeaders is the largest limit accepted by getSlotLeaders.
const maxSlotLeaders = 5000

// parseArgs splits positional params. Missing params yield no args.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	return args, nil
}

// sendTransaction decodes, validates and broadcasts a signed transaction.
// The result is the first signature, as with a validator's RPC.
func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing transaction parameter")
	}

	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("transaction must be an encoded string")
	}

	var config SendTransactionConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	encoding, err := ParseEncoding(string(config.Encoding))
	if err != nil {
		return nil, InvalidParamsError(err.Error())
	}

	raw, err := DecodeTransaction(encoded, encoding)
	if err != nil {
		return nil, InvalidParamsError(fmt.Sprintf("invalid transaction: %v", err))
	}

	tx, err := wire.Parse(raw)
	if err != nil {
		return nil, InvalidParamsError(fmt.Sprintf("invalid transaction: %v", err))
	}

	if config.MinContextSlot != nil {
		if rpcErr := s.checkMinContextSlot(*config.MinContextSlot); rpcErr != nil {
			return nil, rpcErr
		}
	}

	res, err := s.broadcaster.Broadcast(ctx, tx, s.config.SendDeadline)
	if err != nil {
		if errors.Is(err, broadcast.ErrNoLeaders) {
			return nil, NewRPCErrorWithData(NodeUnhealthy, "No leaders available", err.Error())
		}
		s.log.Info("transaction not delivered", "signature", tx.Signature(), "err", err)
		return nil, NewRPCErrorWithData(TransactionNotDelivered,
			"Transaction was not accepted by any leader", newDeliveryFailure(res))
	}

	return tx.Signature().String(), nil
}

func (s *Server) checkMinContextSlot(minSlot uint64) *RPCError {
	current, err := s.leaders.CurrentSlot()
	if err != nil {
		return NewRPCErrorWithData(NodeUnhealthy, ErrNodeUnhealthy.Message, err.Error())
	}
	if minSlot > current {
		return MinContextSlotError(minSlot, current)
	}
	return nil
}

// getSlot returns the tracked current slot.
func (s *Server) getSlot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	config, rpcErr := parseSlotConfig(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	current, err := s.leaders.CurrentSlot()
	if err != nil {
		return nil, NewRPCErrorWithData(NodeUnhealthy, ErrNodeUnhealthy.Message, err.Error())
	}
	if config.MinContextSlot != nil && *config.MinContextSlot > current {
		return nil, MinContextSlotError(*config.MinContextSlot, current)
	}
	return current, nil
}

// getSlotLeader returns the leader of the current slot.
func (s *Server) getSlotLeader(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	config, rpcErr := parseSlotConfig(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	snap := s.leaders.Snapshot()
	current, err := s.leaders.CurrentSlot()
	if err != nil || snap == nil {
		return nil, ErrNodeUnhealthy
	}
	if config.MinContextSlot != nil && *config.MinContextSlot > current {
		return nil, MinContextSlotError(*config.MinContextSlot, current)
	}

	leader, ok := snap.LeaderAt(current)
	if !ok {
		return nil, InternalServerErrorf("leader schedule does not cover slot %d", current)
	}
	return leader.String(), nil
}

// getSlotLeaders returns the leaders of limit consecutive slots starting at
// the given slot.
func (s *Server) getSlotLeaders(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 2 {
		return nil, InvalidParamsError("missing start slot or limit parameter")
	}

	var start, limit uint64
	if err := json.Unmarshal(args[0], &start); err != nil {
		return nil, InvalidParamsError("invalid start slot")
	}
	if err := json.Unmarshal(args[1], &limit); err != nil {
		return nil, InvalidParamsError("invalid limit")
	}
	if limit == 0 || limit > maxSlotLeaders {
		return nil, InvalidParamsError(fmt.Sprintf("Invalid limit; max %d", maxSlotLeaders))
	}

	snap := s.leaders.Snapshot()
	if snap == nil {
		return nil, ErrNodeUnhealthy
	}

	leaders := make([]string, 0, limit)
	for slot := start; slot-start < limit; slot++ {
		leader, ok := snap.LeaderAt(slot)
		if !ok {
			return nil, InvalidParamsError(fmt.Sprintf(
				"Invalid slot range: leader schedule for slot %d is unavailable (have %d..%d)",
				slot, snap.FirstSlot, snap.LastSlot()))
		}
		leaders = append(leaders, leader.String())
	}
	return leaders, nil
}

// getHealth reports whether the leader schedule is fresh.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.leaders.Snapshot() == nil {
		return nil, ErrNodeUnhealthy
	}
	if s.leaders.Stale() {
		st := s.leaders.Status()
		return nil, NewRPCErrorWithData(NodeUnhealthy, "Node is behind", map[string]interface{}{
			"lastRefresh": st.LastRefresh,
			"lastError":   st.LastError,
		})
	}
	return "ok", nil
}

// getVersion returns the sender version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		SolanaCore: SolanaCore,
		FeatureSet: FeatureSet,
	}, nil
}

func parseSlotConfig(params json.RawMessage) (SlotConfig, *RPCError) {
	var config SlotConfig
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return config, rpcErr
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &config); err != nil {
			return config, InvalidParamsError("invalid config")
		}
	}
	return config, nil
}
