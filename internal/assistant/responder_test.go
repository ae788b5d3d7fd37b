package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/audio"
	"github.com/minhharry/voiceassistant/internal/bus"
	"github.com/minhharry/voiceassistant/internal/catalog"
	"github.com/minhharry/voiceassistant/internal/natsserver"
	"github.com/minhharry/voiceassistant/internal/protocol"
	"github.com/nats-io/nats.go"
)

func connect(t *testing.T, srv *natsserver.EmbeddedServer) *bus.Client {
	t.Helper()
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c := bus.NewFromConn(conn, discardLogger())
	t.Cleanup(c.Close)
	return c
}

func TestResponder(t *testing.T) {
	srv, err := natsserver.StartLocal(discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, audio.NewFrameQueue(1, audio.Block)) }()

	load := func(data []byte) (action.Set, error) {
		c, err := catalog.Parse(data)
		if err != nil {
			return nil, err
		}
		return c.ActionSet(nil)
	}
	r := NewResponder(ctx, h.pipeline, connect(t, srv), load, discardLogger())
	if err := r.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer r.Close()
	if !r.Healthy() {
		t.Fatal("responder should be healthy once subscribed")
	}

	client := connect(t, srv)
	reqCtx, reqCancel := context.WithTimeout(ctx, 3*time.Second)
	defer reqCancel()

	var resp protocol.ClassifyResponse
	if err := client.RequestJSON(reqCtx, protocol.SubjectClassify, protocol.ClassifyRequest{Text: "bật quạt lên"}, &resp); err != nil {
		t.Fatalf("classify request: %v", err)
	}
	if resp.Outcome != "turn_on_fan" || resp.Action != "turn_on_fan" || resp.Error != "" {
		t.Fatalf("unexpected classify response %+v", resp)
	}
	if len(h.ran) != 0 {
		t.Fatal("bus classification must not run handlers")
	}

	var upd protocol.ActionsUpdateResponse
	bad := protocol.ClassifyRequest{Text: "not a catalog"}
	if err := client.RequestJSON(reqCtx, protocol.SubjectActionsUpdate, bad, &upd); err != nil {
		t.Fatalf("update request: %v", err)
	}
	if upd.Error == "" {
		t.Fatal("expected a rejected update")
	}

	doc := map[string]any{
		"version": 1,
		"actions": []map[string]any{{"name": "open_door", "description": "Open the door", "keyword": "mở cửa"}},
	}
	upd = protocol.ActionsUpdateResponse{}
	if err := client.RequestJSON(reqCtx, protocol.SubjectActionsUpdate, doc, &upd); err != nil {
		t.Fatalf("update request: %v", err)
	}
	if upd.Error != "" || len(upd.Actions) != 1 || upd.Actions[0] != "open_door" {
		t.Fatalf("unexpected update response %+v", upd)
	}

	resp = protocol.ClassifyResponse{}
	if err := client.RequestJSON(reqCtx, protocol.SubjectClassify, protocol.ClassifyRequest{Text: "mở cửa ra"}, &resp); err != nil {
		t.Fatalf("classify request: %v", err)
	}
	if resp.Action != "open_door" {
		t.Fatalf("expected new catalog to apply, got %+v", resp)
	}

	cancel()
	<-done
}
