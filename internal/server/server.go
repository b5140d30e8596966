package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/protocol"
)

// Server WebTransport 接入服务器
type Server struct {
	cfg              *config.Config
	logger           *slog.Logger
	registry         *connection.Registry
	handler          *protocol.Handler
	wtServer         *webtransport.Server
	heartbeatChecker *connection.HeartbeatChecker
	wg               sync.WaitGroup
}

func New(cfg *config.Config, registry *connection.Registry, handler *protocol.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		handler:  handler,
	}
}

func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        s.cfg.QUIC.MaxIdleTimeout,
		KeepAlivePeriod:       s.cfg.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:    s.cfg.QUIC.MaxIncomingStreams,
		MaxIncomingUniStreams: s.cfg.QUIC.MaxIncomingUniStreams,
		Allow0RTT:             s.cfg.QUIC.Allow0RTT,
		EnableDatagrams:       true, // WebTransport 需要启用数据报支持
	}

	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.Server.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			// TODO: 生产环境应该检查 Origin
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})

	s.wtServer.H3.Handler = mux

	s.heartbeatChecker = connection.NewHeartbeatChecker(
		s.registry,
		s.cfg.Server.HeartbeatTimeout,
		s.cfg.Server.HeartbeatCheckInterval,
		s.logger,
		nil,
	)
	go s.heartbeatChecker.Start(ctx)

	s.logger.Info("WebTransport server starting", "addr", s.cfg.Server.Addr)

	return s.wtServer.ListenAndServe()
}

func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	c := connection.NewFromWebTransport(session, s.logger)
	s.registry.Add(c)
	// 连接结束时摘除，房间订阅随之清空
	defer s.registry.Remove(c.ID())

	// 首个 stream 必须是认证请求
	firstStream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	if err := s.handler.HandleFirstStream(ctx, c, firstStream); err != nil {
		s.logger.Warn("Auth failed, closing session", "conn_id", c.ID(), "error", err)
		if err := session.CloseWithError(4001, "auth failed"); err != nil {
			s.logger.Error("Failed to close session", "conn_id", c.ID(), "error", err)
		}
		return
	}

	// 认证成功后，同步处理首个流（阻塞直到流关闭）
	// 客户端只会使用这一个双向流进行所有通信
	s.handler.HandleStream(ctx, c, firstStream)
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.cfg.QUIC.CertFile != "" && s.cfg.QUIC.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.QUIC.CertFile, s.cfg.QUIC.KeyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded TLS certificate",
			"cert_file", s.cfg.QUIC.CertFile,
			"key_file", s.cfg.QUIC.KeyFile)
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h3", "webtransport"},
			MinVersion:   tls.VersionTLS13,
		}, nil
	}

	// 开发环境：生成自签名证书
	s.logger.Warn("No TLS certificate configured, using self-signed certificate")
	return generateSelfSignedTLSConfig()
}

// Registry 返回连接注册表
func (s *Server) Registry() *connection.Registry {
	return s.registry
}

func (s *Server) Shutdown() {
	if s.wtServer != nil {
		s.wtServer.Close()
	}
	s.wg.Wait()
}
