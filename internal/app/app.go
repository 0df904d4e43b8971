package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/codec"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/state"
)

const (
	AppVersion uint64 = 1
)

// RailApp is the ABCI application for the confidential cargo market.
//
// Execution is single-writer and strictly serialized: FinalizeBlock applies
// txs one at a time under the app mutex, and each tx executes against a staged
// clone of state that is swapped in only on success. The decryption protocol's
// state-hash binding relies on this serialization; there is no other locking.
type RailApp struct {
	*abci.BaseApplication

	home string

	mu       sync.Mutex
	st       *state.State
	lastHash []byte
}

func New(home string) (*RailApp, error) {
	appHome := filepath.Join(home, "app")
	st, err := state.Load(appHome)
	if err != nil {
		return nil, err
	}
	a := &RailApp{
		BaseApplication: abci.NewBaseApplication(),
		home:            home,
		st:              st,
		lastHash:        st.AppHash(),
	}
	return a, nil
}

func (a *RailApp) Info(_ context.Context, _ *abci.InfoRequest) (*abci.InfoResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &abci.InfoResponse{
		Data:             "RailroadFHE (v0)",
		Version:          "v0",
		AppVersion:       AppVersion,
		LastBlockHeight:  a.st.Height,
		LastBlockAppHash: a.lastHash,
	}, nil
}

func (a *RailApp) CheckTx(_ context.Context, req *abci.CheckTxRequest) (*abci.CheckTxResponse, error) {
	_, err := codec.DecodeTxEnvelope(req.Tx)
	if err != nil {
		return &abci.CheckTxResponse{Code: 1, Log: err.Error()}, nil
	}
	// v0: only structural validation; role checks need state and run at delivery.
	return &abci.CheckTxResponse{Code: 0}, nil
}

func (a *RailApp) InitChain(_ context.Context, _ *abci.InitChainRequest) (*abci.InitChainResponse, error) {
	// v0: the market is bootstrapped by a one-shot market/init tx instead of
	// genesis handling.
	return &abci.InitChainResponse{}, nil
}

func (a *RailApp) FinalizeBlock(_ context.Context, req *abci.FinalizeBlockRequest) (*abci.FinalizeBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.st.Height = req.Height
	nowUnix := req.Time.Unix()

	txResults := make([]*abci.ExecTxResult, 0, len(req.Txs))
	for _, txBytes := range req.Txs {
		res := a.deliverTx(txBytes, req.Height, nowUnix)
		txResults = append(txResults, res)
	}

	a.lastHash = a.st.AppHash()

	return &abci.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   a.lastHash,
	}, nil
}

func (a *RailApp) Commit(_ context.Context, _ *abci.CommitRequest) (*abci.CommitResponse, error) {
	// Persist after each block for devnet durability.
	appHome := filepath.Join(a.home, "app")
	if err := a.st.Save(appHome); err != nil {
		// CometBFT expects Commit to not crash; return error so node halts loudly.
		return nil, err
	}
	return &abci.CommitResponse{}, nil
}

func (a *RailApp) Query(_ context.Context, req *abci.QueryRequest) (*abci.QueryResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Paths:
	// - /market
	// - /batch/<id>
	// - /request/<id>
	m := a.st.Market
	path := strings.TrimSpace(req.Path)
	switch {
	case path == "/market":
		providers := make([]string, 0, len(m.Providers))
		for p, ok := range m.Providers {
			if ok {
				providers = append(providers, p)
			}
		}
		sort.Strings(providers)
		b, _ := json.Marshal(map[string]any{
			"owner":          m.Owner,
			"oracleId":       m.OracleID,
			"instanceId":     m.InstanceID,
			"paused":         m.Paused,
			"modelVersion":   m.ModelVersion,
			"cooldownSecs":   m.CooldownSecs,
			"currentBatchId": m.CurrentBatchID,
			"providers":      providers,
		})
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	case strings.HasPrefix(path, "/batch/"):
		raw := strings.TrimPrefix(path, "/batch/")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return &abci.QueryResponse{Code: 1, Log: "invalid batch id", Height: a.st.Height}, nil
		}
		batch, ok := m.Batches[id]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "batch not found", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(batch)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	case strings.HasPrefix(path, "/request/"):
		raw := strings.TrimPrefix(path, "/request/")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return &abci.QueryResponse{Code: 1, Log: "invalid request id", Height: a.st.Height}, nil
		}
		reqCtx, ok := m.Requests[id]
		if !ok {
			return &abci.QueryResponse{Code: 1, Log: "request not found", Height: a.st.Height}, nil
		}
		b, _ := json.Marshal(reqCtx)
		return &abci.QueryResponse{Code: 0, Value: b, Height: a.st.Height}, nil
	default:
		return &abci.QueryResponse{Code: 1, Log: "unknown query path", Height: a.st.Height}, nil
	}
}

// deliverTx stages each tx on a deep clone of state so a failing handler
// commits nothing: cooldown stamps, nonce bumps, and partial accumulator
// writes are all discarded together.
func (a *RailApp) deliverTx(txBytes []byte, height int64, nowUnix int64) *abci.ExecTxResult {
	env, err := codec.DecodeTxEnvelope(txBytes)
	if err != nil {
		return &abci.ExecTxResult{Code: 1, Log: err.Error()}
	}

	staged, err := a.st.Clone()
	if err != nil {
		return &abci.ExecTxResult{Code: 1, Log: err.Error()}
	}
	staged.Height = height

	if env.Signer != "" || len(env.Sig) != 0 || env.Nonce != "" {
		if err := checkAndRecordNonce(staged, env); err != nil {
			return &abci.ExecTxResult{Code: 1, Log: err.Error()}
		}
	}

	res, err := applyTx(staged, env, nowUnix)
	if err != nil {
		return &abci.ExecTxResult{Code: 1, Log: err.Error()}
	}

	a.st = staged
	return res
}

func applyTx(st *state.State, env codec.TxEnvelope, nowUnix int64) (*abci.ExecTxResult, error) {
	switch env.Type {
	case "market/init":
		var msg codec.MarketInitTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/init value")
		}
		return marketInit(st, msg, nowUnix)

	case "market/register_key":
		var msg codec.MarketRegisterKeyTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/register_key value")
		}
		return marketRegisterKey(st, env, msg)

	case "market/add_provider":
		var msg codec.MarketAddProviderTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/add_provider value")
		}
		return marketAddProvider(st, env, msg)

	case "market/remove_provider":
		var msg codec.MarketRemoveProviderTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/remove_provider value")
		}
		return marketRemoveProvider(st, env, msg)

	case "market/pause":
		var msg codec.MarketPauseTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/pause value")
		}
		return marketPause(st, env, msg)

	case "market/unpause":
		var msg codec.MarketUnpauseTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/unpause value")
		}
		return marketUnpause(st, env, msg)

	case "market/set_cooldown":
		var msg codec.MarketSetCooldownTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/set_cooldown value")
		}
		return marketSetCooldown(st, env, msg)

	case "market/advance_model":
		var msg codec.MarketAdvanceModelTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/advance_model value")
		}
		return marketAdvanceModel(st, env, msg)

	case "market/open_batch":
		var msg codec.MarketOpenBatchTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/open_batch value")
		}
		return marketOpenBatch(st, env, msg, nowUnix)

	case "market/close_batch":
		var msg codec.MarketCloseBatchTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/close_batch value")
		}
		return marketCloseBatch(st, env, msg, nowUnix)

	case "market/submit_cargo":
		var msg codec.MarketSubmitCargoTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/submit_cargo value")
		}
		return marketSubmitCargo(st, env, msg, nowUnix)

	case "market/request_decryption":
		var msg codec.MarketRequestDecryptionTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/request_decryption value")
		}
		return marketRequestDecryption(st, env, msg, nowUnix)

	case "market/finalize_decryption":
		var msg codec.MarketFinalizeDecryptionTx
		if err := json.Unmarshal(env.Value, &msg); err != nil {
			return nil, fmt.Errorf("bad market/finalize_decryption value")
		}
		return marketFinalizeDecryption(st, env, msg)

	default:
		return nil, fmt.Errorf("unknown tx type: %s", env.Type)
	}
}

func okEvent(typ string, attrs map[string]string) *abci.ExecTxResult {
	ev := abci.Event{Type: typ}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev.Attributes = append(ev.Attributes, abci.EventAttribute{Key: k, Value: attrs[k], Index: true})
	}
	return &abci.ExecTxResult{
		Code:   0,
		Events: []abci.Event{ev},
	}
}
