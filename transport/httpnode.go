package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
	"github.com/veilmesh/pdn/store"
)

const maxPacketBytes = 8 * 1024 * 1024

// NodeServer exposes a store.Node over HTTP: POST /dwn accepts a sealed
// boundary packet and returns the per-uuid responses; GET /healthz reports
// a health snapshot.
type NodeServer struct {
	Tenant string // DID this node serves

	node      *store.Node
	comSecret *key.Key
	log       *telemetry.Logger
	started   time.Time
}

// NewNodeServer wires a node behind the HTTP surface. comSecret is the
// node's communication secret key, used to unseal inbound packets.
func NewNodeServer(tenant string, node *store.Node, comSecret *key.Key, log *telemetry.Logger) *NodeServer {
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "transport.node")
	}
	return &NodeServer{Tenant: tenant, node: node, comSecret: comSecret, log: log, started: time.Now().UTC()}
}

// Handler returns the routed HTTP handler.
func (s *NodeServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/dwn", s.handleDwn).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *NodeServer) handleDwn(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPacketBytes))
	if err != nil {
		s.writeError(w, pdnerrors.Wrap(pdnerrors.BadRequest, err))
		return
	}
	recipient, requests, err := openPacket(body, s.comSecret)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recipient != s.Tenant {
		s.writeError(w, pdnerrors.New(pdnerrors.BadRequest, "packet addressed to %q, this node serves %q", recipient, s.Tenant))
		return
	}

	responses := make(map[string]external.DwnResponse, len(requests))
	for uuid, req := range requests {
		resp, err := s.node.Handle(r.Context(), req)
		if err != nil {
			s.log.Error(r.Context(), "request failed", map[string]any{"uuid": uuid, "error": err.Error()})
			resp = external.DwnResponse{Kind: external.RespInvalidAuth, Message: string(pdnerrors.CodeOf(err))}
		}
		responses[uuid] = resp
	}
	reply, err := encodeReply(responses)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (s *NodeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := telemetry.NewHealthSnapshot("pdn-node", "", s.Tenant, []telemetry.ComponentStatus{
		{Name: "store", Status: telemetry.StatusOK},
	}, time.Now().UTC())
	if err != nil {
		s.writeError(w, pdnerrors.Wrap(pdnerrors.Internal, err))
		return
	}
	b, err := snap.MarshalJSON()
	if err != nil {
		s.writeError(w, pdnerrors.Wrap(pdnerrors.Internal, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *NodeServer) writeError(w http.ResponseWriter, err error) {
	code := pdnerrors.CodeOf(err)
	env := pdnerrors.FromError(err, code, "", "")
	pdnerrors.WriteHTTP(w, pdnerrors.HTTPStatusFor(code), env)
}

// HTTPTransport is a WireTransport that posts sealed packets to each
// destination endpoint's /dwn route.
type HTTPTransport struct {
	Resolver external.IdentityResolver
	Client   *http.Client
}

// NewHTTPTransport builds an HTTPTransport with a bounded default client.
func NewHTTPTransport(resolver external.IdentityResolver) *HTTPTransport {
	return &HTTPTransport{
		Resolver: resolver,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, batch map[external.Endpoint][]external.PendingRequest) (map[external.Endpoint]map[string]external.DwnResponse, error) {
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
		url := strings.TrimRight(string(ep), "/") + "/dwn"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(frame)))
		if err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.JsonRpc, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPacketBytes))
		resp.Body.Close()
		if err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.JsonRpc, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, pdnerrors.New(pdnerrors.JsonRpc, "endpoint %q returned status %d", ep, resp.StatusCode)
		}
		replies, err := decodeReply(body)
		if err != nil {
			return nil, err
		}
		out[ep] = replies
	}
	return out, nil
}
