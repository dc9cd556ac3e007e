// Package resolver implements the DependencyResolver stage (spec.md §4.2):
// joins N declared contributors for the same _msg_id into one record,
// using the per-entity future-write pattern for historical dependencies.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fieldflow-io/engine/internal/codec"
	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
	"github.com/fieldflow-io/engine/internal/metrics"
	"github.com/fieldflow-io/engine/internal/stage"
	"github.com/fieldflow-io/engine/internal/store"
)

// Handler implements harness.Handler for one DependencyResolver stage.
type Handler struct {
	spec      stage.ResolverSpec
	groupName string
	store     *store.Store
	cfg       *config.Config
	logger    *zap.Logger

	// nonHistorical and historical index deps by (stream, src_key), since a
	// single input message carries one src_key per stream.
	nonHistorical map[string][]stage.DependencySpec
	historical    map[string][]stage.DependencySpec
}

// New builds a Handler for spec.
func New(spec stage.ResolverSpec, groupName string, st *store.Store, cfg *config.Config, logger *zap.Logger) *Handler {
	h := &Handler{
		spec:          spec,
		groupName:     groupName,
		store:         st,
		cfg:           cfg,
		logger:        logger.With(zap.String("stage", "resolver"), zap.String("output", spec.OutputStreamName)),
		nonHistorical: make(map[string][]stage.DependencySpec),
		historical:    make(map[string][]stage.DependencySpec),
	}
	for _, d := range spec.Deps {
		key := d.SrcStream + "\x00" + d.SrcKey
		if d.Historical() {
			h.historical[key] = append(h.historical[key], d)
		} else {
			h.nonHistorical[key] = append(h.nonHistorical[key], d)
		}
	}
	return h
}

// Handle implements the resolver algorithm (spec.md §4.2).
func (h *Handler) Handle(ctx context.Context, msg store.Message) error {
	rawMsgID, ok := msg.Values[h.cfg.MsgIDField]
	if !ok {
		return &ferrors.ValidationError{Field: h.cfg.MsgIDField, Reason: "missing _msg_id", Payload: msg.Values}
	}
	msgID, err := codec.DecodeString(rawMsgID)
	if err != nil {
		return &ferrors.ValidationError{Field: h.cfg.MsgIDField, Reason: err.Error(), Payload: msg.Values}
	}

	staged := make(map[string]string)
	for k, v := range msg.Values {
		if k == h.cfg.MsgIDField {
			continue
		}
		key := msg.Stream + "\x00" + k
		for _, d := range h.nonHistorical[key] {
			staged[d.DstKey] = v
		}
	}

	hashKey := h.cfg.AccumulatorKey(h.spec.OutputStreamName, msgID)
	counterKey := h.cfg.AccumulatorCounterKey(h.spec.OutputStreamName, msgID)

	counter, err := h.store.WriteAccumulator(ctx, hashKey, counterKey, staged)
	if err != nil {
		return err
	}
	metrics.SetAccumulatorSize(h.groupName, float64(counter))

	if err := h.writeHistoricalFuture(ctx, msg, msgID); err != nil {
		return err
	}

	if counter < int64(h.spec.NumDependencies) {
		return h.store.Ack(ctx, msg.Stream, h.groupName, msg.ID)
	}

	return h.emit(ctx, hashKey, counterKey, msgID, msg)
}

// writeHistoricalFuture pre-populates the accumulators of future messages
// for this entity with the current value, for every historical dep sourced
// from msg.Stream (spec.md §4.2 step 4, §9 "future-write pattern").
func (h *Handler) writeHistoricalFuture(ctx context.Context, msg store.Message, msgID string) error {
	var historicalDeps []stage.DependencySpec
	for k := range msg.Values {
		if k == h.cfg.MsgIDField {
			continue
		}
		key := msg.Stream + "\x00" + k
		historicalDeps = append(historicalDeps, h.historical[key]...)
	}
	if len(historicalDeps) == 0 {
		return nil
	}

	objID, objSeq, err := codec.SplitMsgID(msgID)
	if err != nil {
		return &ferrors.ValidationError{Field: h.cfg.MsgIDField, Reason: err.Error(), Payload: msg.Values}
	}

	for _, d := range historicalDeps {
		value, ok := msg.Values[d.SrcKey]
		if !ok {
			continue
		}
		for i := 1; i <= d.HistoryLength; i++ {
			futureMsgID := codec.MsgID(objID, objSeq+int64(i))
			futureHashKey := h.cfg.AccumulatorKey(h.spec.OutputStreamName, futureMsgID)
			positionalKey := fmt.Sprintf("%s:%d", d.DstKey, d.HistoryLength-i)
			if err := h.store.WriteHistoricalFuture(ctx, futureHashKey, positionalKey, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit reads the full accumulator, assembles historical arrays, and
// atomically clears the accumulator, appends the joined record, and acks
// the triggering message (spec.md §4.2 step 5).
func (h *Handler) emit(ctx context.Context, hashKey, counterKey, msgID string, msg store.Message) error {
	fields, err := h.store.ReadAccumulator(ctx, hashKey)
	if err != nil {
		return err
	}

	out := make(map[string]interface{}, len(h.spec.Deps)+1)
	out[h.cfg.MsgIDField] = codec.MustEncode(msgID)

	historicalByDst := make(map[string]stage.DependencySpec)
	for _, d := range h.spec.Deps {
		if d.Historical() {
			historicalByDst[d.DstKey] = d
		}
	}

	for _, d := range h.spec.Deps {
		if d.Historical() {
			continue
		}
		if v, ok := fields[d.DstKey]; ok {
			out[d.DstKey] = v
		}
	}
	for dstKey, d := range historicalByDst {
		arr := make([]interface{}, d.HistoryLength)
		for i := 0; i < d.HistoryLength; i++ {
			positionalKey := fmt.Sprintf("%s:%d", dstKey, i)
			if raw, ok := fields[positionalKey]; ok {
				v, err := codec.Decode(raw)
				if err != nil {
					return &ferrors.ValidationError{Field: positionalKey, Reason: err.Error(), Payload: fields}
				}
				arr[i] = v
			} else {
				arr[i] = nil
			}
		}
		out[dstKey] = codec.MustEncode(arr)
	}

	if err := h.store.EmitJoined(ctx, hashKey, counterKey, h.spec.OutputStreamName, out, msg.Stream, h.groupName, msg.ID); err != nil {
		return err
	}
	metrics.RecordEmitted(h.groupName)
	return nil
}
