package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/bus"
	"github.com/minhharry/voiceassistant/internal/protocol"
	"github.com/nats-io/nats.go"
)

// CatalogLoader turns an update payload into a bound action set.
type CatalogLoader func(data []byte) (action.Set, error)

// Responder answers classify and catalog update requests on the bus.
type Responder struct {
	pipeline *Pipeline
	bus      *bus.Client
	load     CatalogLoader
	logger   *slog.Logger
	timeout  time.Duration

	ctx         context.Context
	cancel      context.CancelFunc
	subClassify *nats.Subscription
	subCatalog  *nats.Subscription
}

func NewResponder(parent context.Context, p *Pipeline, busClient *bus.Client, load CatalogLoader, logger *slog.Logger) *Responder {
	ctx, cancel := context.WithCancel(parent)
	return &Responder{
		pipeline: p,
		bus:      busClient,
		load:     load,
		logger:   logger.With(slog.String("component", "responder")),
		timeout:  30 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Responder) Start() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectClassify, r.handleClassify)
	if err != nil {
		return err
	}
	r.subClassify = sub

	if r.load != nil {
		subCatalog, err := r.bus.Conn().Subscribe(protocol.SubjectActionsUpdate, r.handleCatalog)
		if err != nil {
			_ = r.subClassify.Drain()
			return err
		}
		r.subCatalog = subCatalog
	}
	return nil
}

func (r *Responder) Close() {
	r.cancel()
	if r.subClassify != nil {
		_ = r.subClassify.Drain()
	}
	if r.subCatalog != nil {
		_ = r.subCatalog.Drain()
	}
}

func (r *Responder) Healthy() bool {
	return r.subClassify != nil && r.subClassify.IsValid()
}

func (r *Responder) handleClassify(msg *nats.Msg) {
	var req protocol.ClassifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.reply(msg, protocol.ClassifyResponse{Outcome: action.Unknown().Name(), Error: "invalid request: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	res, err := r.pipeline.Classify(ctx, req.Text)
	resp := protocol.ClassifyResponse{Outcome: res.Name()}
	if res.IsMatched() {
		resp.Action = res.Name()
	}
	if err != nil {
		resp.Error = err.Error()
		r.logger.Warn("classify request failed", slog.String("error", err.Error()))
	}
	r.reply(msg, resp)
}

func (r *Responder) handleCatalog(msg *nats.Msg) {
	set, err := r.load(msg.Data)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		err = r.pipeline.UpdateActions(ctx, set)
		cancel()
	}
	if err != nil {
		if errors.Is(err, action.ErrInvalidActionSet) {
			r.logger.Warn("rejected catalog update", slog.String("error", err.Error()))
		} else {
			r.logger.Error("catalog update failed", slog.String("error", err.Error()))
		}
		r.reply(msg, protocol.ActionsUpdateResponse{Error: err.Error()})
		return
	}
	r.reply(msg, protocol.ActionsUpdateResponse{Actions: set.Names()})
}

func (r *Responder) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send reply", slog.String("error", err.Error()))
	}
}
