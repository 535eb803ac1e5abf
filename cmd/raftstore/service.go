package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-raftstore/pkg/datastore"
	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/galdor/go-raftstore/pkg/store"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	instanceId raft.ServerId

	registry  *prometheus.Registry
	store     *store.Store
	transport *raft.HTTPTransport
	replica   *datastore.Replica
	apiServer *APIServer
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	if err := s.Cfg.Raft.Check(); err != nil {
		return fmt.Errorf("invalid raft configuration: %w", err)
	}

	s.instanceId = raft.ServerId(s.Program.ArgumentValue("id"))

	if _, found := s.Cfg.Raft.Servers[s.instanceId]; !found {
		return fmt.Errorf("unknown server %q", s.instanceId)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	s.instanceId = raft.ServerId(s.Program.ArgumentValue("id"))
	s.Cfg.API.applyDefaults()

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	serverData := s.Cfg.Raft.Servers[s.instanceId]
	host, _, _ := net.SplitHostPort(string(serverData.LocalAddress))

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, strconv.Itoa(s.Cfg.API.Port)),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(collectors.NewProcessCollector(
		collectors.ProcessCollectorOpts{}))

	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initReplica(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initStore() error {
	dirPath := filepath.Join(s.Cfg.Raft.DataDirectory, string(s.instanceId))

	s.store = store.NewStore(dirPath)

	if err := s.store.Open(); err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}

	return nil
}

func (s *Service) initReplica() error {
	logger := s.Log.Child("raft", log.Data{
		"instance": s.instanceId,
	})

	errorChan := s.Service.ErrorChan()

	serverData := s.Cfg.Raft.Servers[s.instanceId]

	transportCfg := raft.HTTPTransportCfg{
		Id:           s.instanceId,
		LocalAddress: serverData.LocalAddress,
		Peers:        s.Cfg.Raft.Servers,

		Logger: logger,

		ErrorFunc: func(err error) {
			errorChan <- fmt.Errorf("raft transport: %w", err)
		},
	}

	transport, err := raft.NewHTTPTransport(transportCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft transport: %w", err)
	}

	transport.Handle("/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.transport = transport

	serverCfg := s.Cfg.Raft.ServerCfg(s.instanceId)

	serverCfg.Storage = s.store
	serverCfg.Transport = transport
	serverCfg.Logger = logger
	serverCfg.Registerer = s.registry

	replica, err := datastore.NewReplica(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create replica: %w", err)
	}

	s.replica = replica

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.replica.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start replica: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.replica.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
	if err := s.store.Close(); err != nil {
		s.Log.Error("cannot close store: %v", err)
	}
}
