package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"TeamChat/logger"
	"TeamChat/middleware/security"
	chatmodel "TeamChat/module/chat/model"
	"TeamChat/service/natsx"
	"TeamChat/service/storage"
	"TeamChat/tools/safe"

	"github.com/gin-gonic/gin"
)

type ServerConfig struct {
	NodeID        string
	Addr          string
	SendQueueSize int
	FanoutWorkers int
	FanoutQueue   int

	PingInterval   time.Duration
	WriteWait      time.Duration
	ReadWait       time.Duration
	AuthDeadline   time.Duration // unauthenticated socket lifetime
	SweepInterval  time.Duration
	NodeHeartbeat  time.Duration
	MaxMessageSize int64
}

func (c *ServerConfig) defaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 8
	}
	if c.FanoutQueue <= 0 {
		c.FanoutQueue = 4096
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.ReadWait <= 0 {
		c.ReadWait = 75 * time.Second
	}
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.NodeHeartbeat <= 0 {
		c.NodeHeartbeat = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Server is one gateway node: it terminates WebSockets, validates
// frames, hands accepted content to the pipeline, and fans delivery
// envelopes out to local connections.
type Server struct {
	conf     ServerConfig
	reg      *Registry
	fanout   *Fanout
	disp     *Dispatcher
	sessions *storage.SessionRegistry
	verifier security.TokenVerifier
	pipeline Pipeline
	nats     *natsx.NatsManager
	start    time.Time
}

func NewServer(conf ServerConfig, sessions *storage.SessionRegistry, verifier security.TokenVerifier, pipeline Pipeline, nats *natsx.NatsManager) (*Server, error) {
	conf.defaults()
	s := &Server{
		conf:     conf,
		reg:      NewRegistry(),
		fanout:   NewFanout(conf.FanoutWorkers, conf.FanoutQueue),
		disp:     NewDispatcher(),
		sessions: sessions,
		verifier: verifier,
		pipeline: pipeline,
		nats:     nats,
		start:    time.Now(),
	}
	for _, h := range []Handler{
		&authHandler{}, &pingHandler{}, &contentHandler{}, &ackHandler{},
		&readHandler{}, &typingHandler{}, &presenceHandler{},
	} {
		if err := s.disp.Register(h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Conf() ServerConfig                 { return s.conf }
func (s *Server) Registry() *Registry                { return s.reg }
func (s *Server) Sessions() *storage.SessionRegistry { return s.sessions }
func (s *Server) Disp() *Dispatcher                  { return s.disp }

// Run wires routes, subscribes the delivery subjects, and serves until
// the listener fails or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.subscribeDelivery(); err != nil {
		return err
	}
	safe.Go(func() { s.sweepLoop(ctx) })
	safe.Go(func() { s.nodeHeartbeatLoop(ctx) })

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node_id": s.conf.NodeID,
			"conns":   s.reg.ConnCount(),
			"uptime":  time.Since(s.start).String(),
		})
	})

	srv := &http.Server{Addr: s.conf.Addr, Handler: r}
	safe.Go(func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})
	logger.Infof("[gateway] node=%s listening on %s", s.conf.NodeID, s.conf.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// subscribeDelivery attaches the node's downstream subject and the
// cluster broadcast subject.
func (s *Server) subscribeDelivery() error {
	if err := natsx.RegisterDeliveryRoutes(s.nats, s.conf.NodeID); err != nil {
		return err
	}
	onEnvelope := func(_ context.Context, msg natsx.NatsxMessage) error {
		var env chatmodel.DeliverEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warnf("[gateway] bad envelope on %s: %v", msg.Subject, err)
			return nil
		}
		s.deliverLocal(env)
		return nil
	}
	if err := s.nats.Subscribe(natsx.DownstreamBiz(s.conf.NodeID), onEnvelope); err != nil {
		return err
	}
	return s.nats.Subscribe(natsx.BizBroadcast, onEnvelope)
}

// deliverLocal fans one envelope out to this node's connections of the
// target users.
func (s *Server) deliverLocal(env chatmodel.DeliverEnvelope) {
	conns := s.reg.ListByUsers(env.TargetUserIDs)
	if env.OriginNodeID == s.conf.NodeID && env.SenderID != "" {
		// Broadcast envelopes may carry the sender for their sessions on
		// other nodes; the ones here already got the local echo.
		kept := conns[:0]
		for _, c := range conns {
			if c.UserID() != env.SenderID {
				kept = append(kept, c)
			}
		}
		conns = kept
	}
	if len(conns) == 0 {
		return
	}
	var payload []byte
	switch env.Kind {
	case chatmodel.EnvelopeTyping:
		payload = BuildTyping(env)
	case chatmodel.EnvelopePresence:
		payload = BuildPresence(env)
	default:
		payload = BuildDeliver(env)
	}
	s.fanout.Broadcast(conns, payload)
}

// echoLocal pushes an accepted message to the sender's other local
// devices; the broker path covers everything else.
func (s *Server) echoLocal(senderID, exceptConnID string, env chatmodel.DeliverEnvelope) {
	conns := s.reg.ListByUser(senderID)
	if len(conns) == 0 {
		return
	}
	payload := BuildDeliver(env)
	targets := make([]*Client, 0, len(conns))
	for _, c := range conns {
		if c.ConnID != exceptConnID {
			targets = append(targets, c)
		}
	}
	s.fanout.Broadcast(targets, payload)
}

// sweepLoop evicts sessions whose heartbeats lapsed and closes their
// sockets if still present locally.
func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.conf.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refs, err := s.sessions.SweepNode(ctx)
			if err != nil {
				logger.Warnf("[gateway] sweep failed: %v", err)
				continue
			}
			for _, ref := range refs {
				if _, err := s.sessions.Offline(ctx, ref.UserID, ref.ConnID); err != nil {
					logger.Warnf("[gateway] sweep offline failed user=%s conn=%s: %v", ref.UserID, ref.ConnID, err)
				}
				if c := s.reg.GetByConnID(ref.ConnID); c != nil {
					c.Enqueue(BuildKick("session expired"))
					c.Close()
				}
				s.announceIfGone(ctx, ref.UserID)
				logger.Infof("[gateway] swept session user=%s conn=%s", ref.UserID, ref.ConnID)
			}
		}
	}
}

// announceIfGone publishes a presence-offline event for the user when
// their removed session was the last one anywhere. Fire and forget:
// presence is advisory and self-heals on the next sign-in.
func (s *Server) announceIfGone(ctx context.Context, userID string) {
	online, err := s.sessions.IsOnline(ctx, userID)
	if err != nil {
		logger.Warnf("[gateway] online check failed user=%s: %v", userID, err)
		return
	}
	if online {
		return
	}
	if err := s.pipeline.AnnounceOffline(ctx, userID); err != nil {
		logger.Debugf("[gateway] offline announce failed user=%s: %v", userID, err)
	}
}

func (s *Server) nodeHeartbeatLoop(ctx context.Context) {
	if err := s.sessions.UpsertNodeInfo(ctx, storage.NodeInfo{
		NodeID:    s.conf.NodeID,
		Address:   s.conf.Addr,
		StartTime: s.start.UnixMilli(),
		ConnCount: int64(s.reg.ConnCount()),
	}); err != nil {
		logger.Warnf("[gateway] node register failed: %v", err)
	}
	t := time.NewTicker(s.conf.NodeHeartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.sessions.TouchNode(ctx, s.conf.NodeID, int64(s.reg.ConnCount())); err != nil {
				logger.Warnf("[gateway] node heartbeat failed: %v", err)
			}
		}
	}
}
