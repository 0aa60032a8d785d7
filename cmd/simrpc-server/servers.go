package main

import (
	"net"
	"strconv"

	"github.com/juju/errors"
	"github.com/sessamekesh/simrpc/pkg/config"
	"github.com/sessamekesh/simrpc/pkg/core"
	"github.com/sessamekesh/simrpc/pkg/transport"
	"go.uber.org/zap"
)

func byteServers(cfg config.ServerConfig, logger *zap.Logger) (transport.ByteServer, transport.ByteServer, error) {
	rpcAddress := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.RPCPort))
	streamAddress := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.StreamPort))

	switch cfg.Protocol {
	case config.ProtocolTCP:
		rpc, err := transport.CreateTCPServer(transport.TCPServerParams{
			Name:          cfg.Name + "/rpc",
			ListenAddress: rpcAddress,
			WriteTimeout:  cfg.WriteTimeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		stream, err := transport.CreateTCPServer(transport.TCPServerParams{
			Name:          cfg.Name + "/stream",
			ListenAddress: streamAddress,
			WriteTimeout:  cfg.WriteTimeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return rpc, stream, nil

	case config.ProtocolWebsocket:
		params := func(name, address, endpoint string) transport.WebsocketServerParams {
			return transport.WebsocketServerParams{
				Name:             name,
				ListenAddress:    address,
				ListenEndpoint:   endpoint,
				AllowAllHosts:    len(cfg.AllowedOrigins) == 0,
				AllowlistedHosts: cfg.AllowedOrigins,
				DenylistedHosts:  cfg.DeniedOrigins,
				WriteTimeout:     cfg.WriteTimeout,
				Logger:           logger,
			}
		}
		rpc, err := transport.CreateWebsocketServer(params(cfg.Name+"/rpc", rpcAddress, cfg.RPCEndpoint))
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		stream, err := transport.CreateWebsocketServer(params(cfg.Name+"/stream", streamAddress, cfg.StreamEndpoint))
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return rpc, stream, nil

	case config.ProtocolSerial:
		params := func(name, device string) transport.SerialServerParams {
			return transport.SerialServerParams{
				Name:     name,
				Port:     device,
				BaudRate: cfg.BaudRate,
				DataBits: cfg.DataBits,
				Parity:   cfg.Parity,
				StopBits: cfg.StopBits,
				Logger:   logger,
			}
		}
		rpc, err := transport.CreateSerialServer(params(cfg.Name+"/rpc", cfg.RPCDevice))
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		stream, err := transport.CreateSerialServer(params(cfg.Name+"/stream", cfg.StreamDevice))
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return rpc, stream, nil
	}

	return nil, nil, errors.NotValidf("protocol %q", cfg.Protocol)
}

func createServer(cfg config.ServerConfig, logger *zap.Logger) (*core.Server, error) {
	rpc, stream, err := byteServers(cfg, logger)
	if err != nil {
		return nil, errors.Annotatef(err, "server %s", cfg.Name)
	}

	return core.CreateServer(core.ServerParams{
		Name:           cfg.Name,
		RPC:            rpc,
		Stream:         stream,
		HelloTimeout:   cfg.HelloTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedHosts:   cfg.AllowedHosts,
		DeniedHosts:    cfg.DeniedHosts,
		Logger:         logger,
	})
}
