package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
	"github.com/veilmesh/pdn/store"
)

// WSTransport is a WireTransport that exchanges sealed packets over a
// websocket connection per endpoint: one request frame out, one reply
// frame back. Endpoints are ws:// or wss:// URLs.
type WSTransport struct {
	Resolver external.IdentityResolver
	Dialer   *websocket.Dialer
}

// NewWSTransport builds a WSTransport with the default dialer.
func NewWSTransport(resolver external.IdentityResolver) *WSTransport {
	return &WSTransport{Resolver: resolver, Dialer: websocket.DefaultDialer}
}

func (t *WSTransport) Send(ctx context.Context, batch map[external.Endpoint][]external.PendingRequest) (map[external.Endpoint]map[string]external.DwnResponse, error) {
	out := make(map[external.Endpoint]map[string]external.DwnResponse, len(batch))
	for ep, reqs := range batch {
		if len(reqs) == 0 {
			continue
		}
		recipient := reqs[0].Recipient
		_, comPub, err := t.Resolver.ResolveDWNKeys(ctx, recipient)
		if err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
		}
		frame, err := sealPacket(recipient, comPub, reqs)
		if err != nil {
			return nil, err
		}
		replies, err := t.exchange(ctx, string(ep), frame)
		if err != nil {
			return nil, err
		}
		out[ep] = replies
	}
	return out, nil
}

func (t *WSTransport) exchange(ctx context.Context, url string, frame []byte) (map[string]external.DwnResponse, error) {
	conn, resp, err := t.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.JsonRpc, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.JsonRpc, err)
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.JsonRpc, err)
	}
	return decodeReply(reply)
}

// NodeWSServer serves a store.Node over websocket: each inbound frame is a
// sealed packet, each outbound frame the matching reply. A connection
// carries any number of exchanges.
type NodeWSServer struct {
	Tenant string

	node      *store.Node
	comSecret *key.Key
	upgrader  websocket.Upgrader
	log       *telemetry.Logger
}

// NewNodeWSServer wires a node behind the websocket surface.
func NewNodeWSServer(tenant string, node *store.Node, comSecret *key.Key, log *telemetry.Logger) *NodeWSServer {
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "transport.ws")
	}
	return &NodeWSServer{
		Tenant:    tenant,
		node:      node,
		comSecret: comSecret,
		upgrader:  websocket.Upgrader{ReadBufferSize: 16 * 1024, WriteBufferSize: 16 * 1024},
		log:       log,
	}
}

func (s *NodeWSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the HTTP error
	}
	defer conn.Close()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, err := s.handleFrame(r.Context(), frame)
		if err != nil {
			s.log.Warn(r.Context(), "dropping bad frame", map[string]any{"error": err.Error()})
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			return
		}
	}
}

func (s *NodeWSServer) handleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	recipient, requests, err := openPacket(frame, s.comSecret)
	if err != nil {
		return nil, err
	}
	if recipient != s.Tenant {
		return nil, pdnerrors.New(pdnerrors.BadRequest, "packet addressed to %q, this node serves %q", recipient, s.Tenant)
	}
	responses := make(map[string]external.DwnResponse, len(requests))
	for uuid, req := range requests {
		resp, err := s.node.Handle(ctx, req)
		if err != nil {
			s.log.Error(ctx, "request failed", map[string]any{"uuid": uuid, "error": err.Error()})
			resp = external.DwnResponse{Kind: external.RespInvalidAuth, Message: string(pdnerrors.CodeOf(err))}
		}
		responses[uuid] = resp
	}
	return encodeReply(responses)
}
