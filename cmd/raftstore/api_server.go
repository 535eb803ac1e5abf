package main

import (
	"context"
	"errors"
	"time"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-raftstore/pkg/datastore"
	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/google/uuid"
)

type APIServer struct {
	httpServer *shttp.Server

	replica        *datastore.Replica
	requestTimeout time.Duration
}

type NotLeaderErrorData struct {
	LeaderId raft.ServerId `json:"leaderId,omitempty"`
}

type TreeNode struct {
	Path     string           `json:"path"`
	Value    string           `json:"value"`
	Children []datastore.Node `json:"children"`
}

// WriteRequest has no required member: an empty value is a valid value.
type WriteRequest struct {
	Value string `json:"value"`
}

type AddServerRequest struct {
	Id      raft.ServerId      `json:"id"`
	Address raft.ServerAddress `json:"address"`
	Voting  bool               `json:"voting"`
}

func (r *AddServerRequest) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("id", string(r.Id))
	v.CheckStringNotEmpty("address", string(r.Address))
}

type TransferRequest struct {
	Id raft.ServerId `json:"id"`
}

func (r *TransferRequest) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("id", string(r.Id))
}

type CommitReply struct {
	Index raft.LogIndex `json:"index"`
	Term  raft.Term     `json:"term"`
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		httpServer: s.Service.HTTPServer("api"),

		replica:        s.replica,
		requestTimeout: milliseconds(s.Cfg.API.RequestTimeout),
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/tree/*path", "GET", api.hTreeGET)
	api.Route("/tree/*path", "PUT", api.hTreePUT)
	api.Route("/tree/*path", "DELETE", api.hTreeDELETE)

	api.Route("/status", "GET", api.hStatusGET)

	api.Route("/cluster/servers", "POST", api.hClusterServersPOST)
	api.Route("/cluster/servers/:id", "DELETE", api.hClusterServerDELETE)
	api.Route("/cluster/leader", "POST", api.hClusterLeaderPOST)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	api.httpServer.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hTreeGET(h *shttp.Handler) {
	node, err := api.replica.Read(treePath(h))
	if err != nil {
		api.replyError(h, err)
		return
	}

	children, err := api.replica.Children(node.Path)
	if err != nil {
		api.replyError(h, err)
		return
	}

	reply := TreeNode{
		Path:     node.Path,
		Value:    node.Value,
		Children: children,
	}

	if reply.Children == nil {
		reply.Children = []datastore.Node{}
	}

	h.ReplyJSON(200, reply)
}

func (api *APIServer) hTreePUT(h *shttp.Handler) {
	var req WriteRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	op := datastore.NewOpWrite(treePath(h), req.Value)
	if !api.setRequestId(h, &op.RequestId) {
		return
	}

	ctx, cancel := api.requestContext(h)
	defer cancel()

	result, err := api.replica.Apply(ctx, op)
	if err != nil {
		api.replyError(h, err)
		return
	}

	status := 200
	if result.Created {
		status = 201
	}

	h.ReplyJSON(status, result)
}

func (api *APIServer) hTreeDELETE(h *shttp.Handler) {
	op := datastore.NewOpDelete(treePath(h))
	if !api.setRequestId(h, &op.RequestId) {
		return
	}

	ctx, cancel := api.requestContext(h)
	defer cancel()

	result, err := api.replica.Apply(ctx, op)
	if err != nil {
		api.replyError(h, err)
		return
	}

	h.ReplyJSON(200, result)
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	status, err := api.replica.Server.Status()
	if err != nil {
		api.replyError(h, err)
		return
	}

	h.ReplyJSON(200, status)
}

func (api *APIServer) hClusterServersPOST(h *shttp.Handler) {
	var req AddServerRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	server := raft.ServerInfo{
		Id:      req.Id,
		Address: req.Address,
		Voting:  req.Voting,
	}

	api.waitFuture(h, api.replica.Server.AddServer(server))
}

func (api *APIServer) hClusterServerDELETE(h *shttp.Handler) {
	id := raft.ServerId(h.PathVariable("id"))

	api.waitFuture(h, api.replica.Server.RemoveServer(id))
}

func (api *APIServer) hClusterLeaderPOST(h *shttp.Handler) {
	var req TransferRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	api.waitFuture(h, api.replica.Server.TransferLeadership(req.Id))
}

func (api *APIServer) waitFuture(h *shttp.Handler, future *raft.Future) {
	ctx, cancel := api.requestContext(h)
	defer cancel()

	result, err := future.Wait(ctx)
	if err != nil {
		api.replyError(h, err)
		return
	}

	h.ReplyJSON(200, CommitReply{Index: result.Index, Term: result.Term})
}

func (api *APIServer) requestContext(h *shttp.Handler) (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.Request.Context(), api.requestTimeout)
}

// setRequestId uses the X-Request-Id header, if there is one, as the request
// id of a datastore operation. Clients sending the same header again after
// a failure get the result of the first application of the operation.
func (api *APIServer) setRequestId(h *shttp.Handler, requestId *string) bool {
	if h.RequestId == "" {
		return true
	}

	id, err := uuid.Parse(h.RequestId)
	if err != nil {
		h.ReplyError(400, "invalidRequestId", "invalid request id: %v", err)
		return false
	}

	*requestId = id.String()

	return true
}

func (api *APIServer) replyError(h *shttp.Handler, err error) {
	status, code, data := apiErrorOf(err)

	if status == 500 {
		h.ReplyInternalError(status, "%v", err)
		return
	}

	if status >= 500 {
		h.Log.Error("request error: %v", err)
	}

	h.ReplyErrorData(status, code, data, "%v", err)
}

// apiErrorOf maps an error to an HTTP status, an error code and optional
// error data. Clients receiving a 421 status should retry on the leader
// identified in the error data, if any.
func apiErrorOf(err error) (int, string, shttp.ErrorData) {
	var notLeaderErr *raft.NotLeaderError

	switch {
	case errors.As(err, &notLeaderErr):
		data := NotLeaderErrorData{LeaderId: notLeaderErr.LeaderId}
		return 421, "notLeader", data

	case errors.Is(err, datastore.ErrInvalidPath):
		return 400, "invalidPath", nil

	case errors.Is(err, raft.ErrInvalidConfig):
		return 400, "invalidClusterConfig", nil

	case errors.Is(err, datastore.ErrNodeNotFound):
		return 404, "nodeNotFound", nil

	case errors.Is(err, raft.ErrConfigChangeInProgress),
		errors.Is(err, raft.ErrTransferInProgress):
		return 409, "conflict", nil

	case errors.Is(err, raft.ErrLeadershipLost):
		// The operation may or may not have been applied. Retrying it with
		// the same X-Request-Id header does not apply it twice.
		return 503, "leadershipLost", nil

	case errors.Is(err, raft.ErrStopped), errors.Is(err, raft.ErrPersistence):
		return 503, "unavailable", nil

	case errors.Is(err, context.DeadlineExceeded):
		return 504, "timeout", nil

	default:
		return 500, "internalError", nil
	}
}

// treePath returns the datastore path of a /tree/*path request.
func treePath(h *shttp.Handler) string {
	path := h.PathVariable("path")
	if path == "" {
		path = datastore.RootPath
	}

	return path
}
