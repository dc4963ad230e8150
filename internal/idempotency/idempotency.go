package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// StoreAPI captures the store methods required by the executor.
type StoreAPI interface {
	ClaimOperation(ctx context.Context, key, actorScope, actionKind string, params json.RawMessage, expiresAt time.Time) (bool, store.IdempotentOperationRecord, error)
	CompleteOperation(ctx context.Context, key, actorScope string, result json.RawMessage, success bool) error
	GetOperation(ctx context.Context, key, actorScope string) (store.IdempotentOperationRecord, bool, error)
}

// Executor guarantees at-most-once execution of side-effecting actions.
// Concurrent identical requests race on the claim; the loser reads back the
// winner's cached result instead of executing again.
type Executor struct {
	store    StoreAPI
	actuator connector.Actuator

	defaultTTL   time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewExecutor constructs an executor over the given actuator.
func NewExecutor(st StoreAPI, act connector.Actuator, defaultTTL time.Duration) *Executor {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Executor{
		store:        st,
		actuator:     act,
		defaultTTL:   defaultTTL,
		pollInterval: 100 * time.Millisecond,
		pollTimeout:  30 * time.Second,
	}
}

// OperationKey derives the deterministic identity of a request from the action
// kind and its canonicalized parameters. Two logically identical requests
// differing only in JSON key order produce the same key.
func OperationKey(actionKind string, params json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	h := sha256.Sum256(append([]byte(actionKind+"\x00"), canonical...))
	return hex.EncodeToString(h[:]), nil
}

// CanonicalJSON re-encodes a JSON document with object keys sorted
// recursively, yielding a byte-stable form.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return appendCanonical(nil, v)
}

func appendCanonical(dst []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			dst = append(dst, kb...)
			dst = append(dst, ':')
			dst, err = appendCanonical(dst, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	case []interface{}:
		dst = append(dst, '[')
		for i, el := range t {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = appendCanonical(dst, el)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(dst, b...), nil
	}
}

// Result is what ExecuteOnce hands back to the caller.
type Result struct {
	Payload   json.RawMessage
	Success   bool
	WasCached bool
}

// ExecuteOnce runs the action at most once per (key, actor) within the TTL.
// A cached, non-expired result is returned without re-executing the side effect.
func (e *Executor) ExecuteOnce(ctx context.Context, actorScope, actionKind string, params json.RawMessage, ttl time.Duration) (Result, error) {
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	key, err := OperationKey(actionKind, params)
	if err != nil {
		return Result{}, err
	}
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return Result{}, err
	}

	claimed, existing, err := e.store.ClaimOperation(ctx, key, actorScope, actionKind, canonical, time.Now().Add(ttl))
	if err != nil {
		return Result{}, fmt.Errorf("claim operation: %w", err)
	}

	if !claimed {
		if existing.Status == store.OperationStatusCompleted {
			return Result{Payload: existing.Result, Success: existing.Success, WasCached: true}, nil
		}
		// The winner is still executing; wait for its cached result.
		return e.awaitResult(ctx, key, actorScope)
	}

	actionResult, actErr := e.actuator.ApplyAction(ctx, actionKind, params)
	success := actErr == nil
	payload, err := json.Marshal(actionResult)
	if err != nil {
		payload = []byte(`{}`)
	}
	if actErr != nil {
		payload, _ = json.Marshal(map[string]string{"error": actErr.Error()})
	}
	if err := e.store.CompleteOperation(ctx, key, actorScope, payload, success); err != nil {
		return Result{}, fmt.Errorf("complete operation: %w", err)
	}
	if actErr != nil {
		return Result{Payload: payload, Success: false}, actErr
	}
	return Result{Payload: payload, Success: true}, nil
}

// awaitResult polls for the racing winner's completed record.
func (e *Executor) awaitResult(ctx context.Context, key, actorScope string) (Result, error) {
	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
		rec, ok, err := e.store.GetOperation(ctx, key, actorScope)
		if err != nil {
			return Result{}, fmt.Errorf("poll operation: %w", err)
		}
		if ok && rec.Status == store.OperationStatusCompleted {
			return Result{Payload: rec.Result, Success: rec.Success, WasCached: true}, nil
		}
		if time.Now().After(deadline) {
			return Result{}, fmt.Errorf("timed out waiting for concurrent execution of operation %s", key)
		}
	}
}
