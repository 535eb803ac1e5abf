package raft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RPCHandler is called by transports for each incoming message.
type RPCHandler func(sourceId ServerId, msg RPCMsg)

// Transport delivers messages between servers. Send is fire-and-forget: it
// must not block the caller on the network, and messages can be lost,
// duplicated or reordered.
type Transport interface {
	Start(handler RPCHandler) error
	Stop()
	Send(recipientId ServerId, msg RPCMsg) error
}

// PeerUpdater is implemented by transports which need to know the addresses
// of the members of the cluster.
type PeerUpdater interface {
	UpdatePeers(cfg ClusterConfig)
}

const HTTPTransportPath = "/raft/messages"

type HTTPTransportCfg struct {
	Id           ServerId
	LocalAddress ServerAddress
	Peers        ServerSet

	Logger Logger

	// Called if the HTTP server stops unexpectedly
	ErrorFunc func(error)
}

type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	mux        *http.ServeMux
	httpServer *http.Server
	httpClient *http.Client

	handler RPCHandler

	peers     map[ServerId]ServerAddress
	peersLock sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	if cfg.LocalAddress == "" {
		return nil, fmt.Errorf("missing or empty local address")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		mux: http.NewServeMux(),

		peers: make(map[ServerId]ServerAddress),

		stopChan: make(chan struct{}),
	}

	for id, data := range cfg.Peers {
		t.peers[id] = data.PublicAddress
	}

	return t, nil
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

// Handle mounts an additional HTTP handler on the transport server. It must
// be called before Start.
func (t *HTTPTransport) Handle(pattern string, handler http.Handler) {
	t.mux.Handle(pattern, handler)
}

func (t *HTTPTransport) UpdatePeers(cfg ClusterConfig) {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()

	for _, server := range cfg.Servers {
		if server.Address != "" {
			t.peers[server.Id] = server.Address
		}
	}
}

func (t *HTTPTransport) peerAddress(id ServerId) (ServerAddress, bool) {
	t.peersLock.RLock()
	defer t.peersLock.RUnlock()

	address, found := t.peers[id]
	return address, found
}

func (t *HTTPTransport) Start(handler RPCHandler) error {
	t.handler = handler

	address := string(t.Cfg.LocalAddress)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	t.Log.Info("listening on %s", address)

	t.mux.Handle(HTTPTransportPath, t)

	t.httpServer = &http.Server{
		Addr:              address,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t.mux,
	}

	t.httpClient = newHTTPClient()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		err := t.httpServer.Serve(listener)
		if err != http.ErrServerClosed {
			if t.Cfg.ErrorFunc != nil {
				t.Cfg.ErrorFunc(fmt.Errorf("server error: %w", err))
			}
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	close(t.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if t.httpServer != nil {
		t.httpServer.Shutdown(ctx)
	}

	t.wg.Wait()
}

func (t *HTTPTransport) Send(recipientId ServerId, msg RPCMsg) error {
	select {
	case <-t.stopChan:
		return ErrStopped
	default:
	}

	t.Log.Debug(2, "sending %v to %s", msg, recipientId)

	// Encode the message
	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	// Obtain the address of the recipient
	address, found := t.peerAddress(recipientId)
	if !found {
		return fmt.Errorf("unknown recipient id %q", recipientId)
	}

	// Create the HTTP request
	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   HTTPTransportPath,
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("X-Raft-Source-Id", string(t.Cfg.Id))
	req.Header.Set("Content-Type", "application/json")

	// Send the request asynchronously to avoid blocking the server
	t.wg.Add(1)
	go t.sendRequest(address, msg, req)

	return nil
}

func (t *HTTPTransport) sendRequest(address ServerAddress, msg RPCMsg, req *http.Request) {
	defer t.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	// Send the request and wait for the response
	res, err := t.httpClient.Do(req)
	if err != nil {
		t.Log.Debug(1, "cannot send %v to %s: %v", msg, address, err)
		return
	}
	defer res.Body.Close()

	// Check the response status
	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		} else {
			t.Log.Error("cannot read response from %s: %v", address, err)
		}

		t.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		t.replyError(w, 405, "invalid method %q", req.Method)
		return
	}

	// Obtain the identifier of the sender of the message
	sourceId := req.Header.Get("X-Raft-Source-Id")
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty X-Raft-Source-Id header field")
		return
	}

	// Read and decode the message
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	// Send the response
	t.replyEmpty(w, 204)

	// Hand the message to the server unless the transport is being stopped
	select {
	case <-t.stopChan:
		return
	default:
	}

	t.handler(ServerId(sourceId), msg)
}

func (t *HTTPTransport) replyEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (t *HTTPTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}
