// Package generator implements the FieldGenerator stage (spec.md §4.3):
// invokes a user-supplied function against a materialized dependency
// record and publishes the derived field.
package generator

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

// Record is the decoded, typed view of one joined dependency message
// handed to a Func. Values are decoded dynamic Go values (see
// internal/codec.Decode); a cooperative/blocking generator that needs
// typed access asserts the concrete type it declared in the model.
type Record struct {
	MsgID  string
	Values map[string]interface{}
	// Store is injected only for params named in the model's
	// uses_store_handle list (spec.md §4.3 "some dependencies may be
	// declared as the log handle itself").
	Store *store.Store
}

// Func is a generator function. It returns the derived value or an error,
// which is wrapped as a ferrors.GeneratorError by the Handler.
type Func func(ctx context.Context, rec Record) (interface{}, error)

// Registry maps a model's declared generator key to its implementation.
// New rejects a generator key with no Func in the registry; cmd/fieldflow,
// which owns the concrete registry for a given model, calls New for every
// generator stage before any worker starts. The model compiler itself does
// not consult the registry.
type Registry map[string]Func

// Handler implements harness.Handler for one FieldGenerator stage.
type Handler struct {
	spec      stage.GeneratorSpec
	groupName string
	fn        Func
	store     *store.Store
	cfg       *config.Config
	logger    *zap.Logger
}

// New builds a Handler for spec, invoking fn for every message. New fails
// fast (FatalConfig) if spec.GeneratorKey is not present in registry; this
// is intentionally called from the compiler-to-runtime wiring step so a
// missing generator is reported before any stage starts reading.
func New(spec stage.GeneratorSpec, groupName string, registry Registry, st *store.Store, cfg *config.Config, logger *zap.Logger) (*Handler, error) {
	fn, ok := registry[spec.GeneratorKey]
	if !ok {
		return nil, ferrors.NewFatalConfig("generator %q: no implementation registered for key %q", spec.FieldName, spec.GeneratorKey)
	}
	return &Handler{
		spec:      spec,
		groupName: groupName,
		fn:        fn,
		store:     st,
		cfg:       cfg,
		logger:    logger.With(zap.String("stage", "generator"), zap.String("field", spec.FieldName)),
	}, nil
}

// Handle implements the generator algorithm (spec.md §4.3): decode, pop
// _msg_id, build the typed record, invoke the generator, encode the
// result, emit and ack in one batch.
func (h *Handler) Handle(ctx context.Context, msg store.Message) error {
	rawMsgID, ok := msg.Values[h.cfg.MsgIDField]
	if !ok {
		return &ferrors.ValidationError{Field: h.cfg.MsgIDField, Reason: "missing _msg_id", Payload: msg.Values}
	}
	msgID, err := codec.DecodeString(rawMsgID)
	if err != nil {
		return &ferrors.ValidationError{Field: h.cfg.MsgIDField, Reason: err.Error(), Payload: msg.Values}
	}

	values := make(map[string]interface{}, len(msg.Values))
	for k, v := range msg.Values {
		if k == h.cfg.MsgIDField {
			continue
		}
		dec, err := codec.Decode(v)
		if err != nil {
			return &ferrors.ValidationError{Field: k, Reason: fmt.Sprintf("decode failed: %v", err), Payload: msg.Values}
		}
		values[k] = dec
	}

	rec := Record{MsgID: msgID, Values: values}
	if len(h.spec.UsesStoreHandle) > 0 {
		rec.Store = h.store
	}

	result, err := func() (res interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("generator panicked: %v", r)
			}
		}()
		return h.fn(ctx, rec)
	}()
	if err != nil {
		return &ferrors.GeneratorError{FieldName: h.spec.FieldName, Err: err}
	}

	out := map[string]interface{}{
		h.cfg.MsgIDField:  codec.MustEncode(msgID),
		h.spec.FieldName: codec.MustEncode(result),
	}

	if err := h.store.EnqueueAndAck(ctx, h.spec.OutputStream, out, h.spec.InputStream, h.groupName, msg.ID); err != nil {
		return err
	}
	metrics.RecordEmitted(h.groupName)
	return nil
}
