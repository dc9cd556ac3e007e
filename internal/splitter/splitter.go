// Package splitter implements the Splitter stage (spec.md §4.1):
// per-entity sequencing and re-publication of raw input records.
package splitter

import (
	"context"

	"go.uber.org/zap"

	"github.com/fieldflow-io/engine/internal/codec"
	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
	"github.com/fieldflow-io/engine/internal/metrics"
	"github.com/fieldflow-io/engine/internal/stage"
	"github.com/fieldflow-io/engine/internal/store"
)

// Handler implements harness.Handler for one Splitter stage.
type Handler struct {
	spec      stage.SplitterSpec
	groupName string
	store     *store.Store
	cfg       *config.Config
	logger    *zap.Logger
}

// New builds a Handler for spec, reading from the consumer group groupName
// (the same name the harness.Worker registers and reads with).
func New(spec stage.SplitterSpec, groupName string, st *store.Store, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		spec:      spec,
		groupName: groupName,
		store:     st,
		cfg:       cfg,
		logger:    logger.With(zap.String("stage", "splitter"), zap.String("input", spec.InputStream)),
	}
}

// Handle implements the Splitter algorithm (spec.md §4.1):
//  1. decode the object-id field,
//  2. atomically increment the entity's sequence counter,
//  3. copy the payload and set _msg_id,
//  4. append to the output stream and ack the input in one batch.
func (h *Handler) Handle(ctx context.Context, msg store.Message) error {
	rawObjID, ok := msg.Values[h.spec.ObjectIDField]
	if !ok {
		return &ferrors.ValidationError{
			Field:   h.spec.ObjectIDField,
			Reason:  "object id field missing from input payload",
			Payload: msg.Values,
		}
	}
	objID, err := codec.DecodeString(rawObjID)
	if err != nil {
		return &ferrors.ValidationError{Field: h.spec.ObjectIDField, Reason: err.Error(), Payload: msg.Values}
	}

	objSeq, err := h.store.IncrEntitySeq(ctx, objID)
	if err != nil {
		return err
	}

	out := make(map[string]interface{}, len(msg.Values)+1)
	for k, v := range msg.Values {
		out[k] = v
	}
	out[h.cfg.MsgIDField] = codec.MustEncode(codec.MsgID(objID, objSeq))

	if err := h.store.EnqueueAndAck(ctx, h.spec.OutputStream, out, msg.Stream, h.groupName, msg.ID); err != nil {
		return err
	}
	metrics.RecordEmitted(h.groupName)
	return nil
}
