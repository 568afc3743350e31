package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"TeamChat/logger"
	"TeamChat/middleware/security"
	"TeamChat/module/chat/ingest"
	chatmsg "TeamChat/module/chat/message"
	"TeamChat/module/chat/outbox"
	msgsync "TeamChat/module/chat/sync"
	errs "TeamChat/tools/errs"
	"TeamChat/tools/safe"

	"github.com/gin-gonic/gin"
)

// Server hosts the worker's HTTP surface: the internal API gateways
// call, and the client-facing sync API behind token auth.
type Server struct {
	Addr     string
	Ingest   *ingest.Service
	Sync     *msgsync.Service
	Relay    *outbox.Relay
	Store    *chatmsg.Store
	Verifier security.TokenVerifier
}

func (s *Server) Run(ctx context.Context) error {
	r := gin.New()
	r.Use(gin.Recovery())

	// Internal surface, reached only by gateway nodes.
	in := r.Group("/internal")
	{
		in.POST("/messages", s.submit)
		in.POST("/read", s.markRead)
		in.POST("/ack", s.ackDelivered)
		in.POST("/relay", s.relay)
		in.POST("/offline", s.offline)
	}

	// Client surface.
	apiGrp := r.Group("/api", security.GinAuth(s.Verifier))
	{
		apiGrp.GET("/sync", s.sync)
		apiGrp.GET("/notices", s.notices)
	}

	srv := &http.Server{Addr: s.Addr, Handler: r}
	safe.Go(func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})
	logger.Infof("[api] listening on %s", s.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func respondErr(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.ErrArgs.Code, errs.ErrEmptyContent.Code:
		status = http.StatusBadRequest
	case errs.ErrNotMember.Code:
		status = http.StatusForbidden
	case errs.ErrSeqUnavailable.Code:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"code": code, "msg": err.Error()})
}

func (s *Server) submit(c *gin.Context) {
	var in ingest.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	res, err := s.Ingest.Submit(c.Request.Context(), in)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type readReq struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	UpToSeq        int64  `json:"up_to_seq"`
}

func (s *Server) markRead(c *gin.Context) {
	var req readReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	if err := s.Sync.MarkRead(c.Request.Context(), req.UserID, req.ConversationID, req.UpToSeq); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type ackReq struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
}

func (s *Server) ackDelivered(c *gin.Context) {
	var req ackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	if err := s.Sync.AckDelivered(c.Request.Context(), req.UserID, req.ConversationID, req.Seq); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type relayReq struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id"`
	FromUserID     string `json:"from_user_id"`
	State          string `json:"state"`
}

func (s *Server) relay(c *gin.Context) {
	var req relayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	if err := s.Relay.RelayEphemeral(c.Request.Context(), req.Kind, req.ConversationID, req.FromUserID, req.State); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type offlineReq struct {
	UserID string `json:"user_id"`
}

func (s *Server) offline(c *gin.Context) {
	var req offlineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	if err := s.Relay.AnnounceOffline(c.Request.Context(), req.UserID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) sync(c *gin.Context) {
	id, ok := security.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "unauthenticated"})
		return
	}
	after := int64(-1)
	if v := c.Query("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondErr(c, errs.ErrArgs.WrapMsg("after_seq not a number"))
			return
		}
		after = n
	}
	limit := int64(0)
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondErr(c, errs.ErrArgs.WrapMsg("limit not a number"))
			return
		}
		limit = n
	}
	resp, err := s.Sync.Sync(c.Request.Context(), msgsync.Request{
		UserID:         id.UserID,
		ConversationID: c.Query("conversation_id"),
		AfterSeq:       after,
		Limit:          limit,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// notices drains the caller's pending offline notices and marks them
// pushed.
func (s *Server) notices(c *gin.Context) {
	id, ok := security.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "unauthenticated"})
		return
	}
	list, err := s.Store.ListPendingNotices(c.Request.Context(), id.UserID, 100)
	if err != nil {
		respondErr(c, err)
		return
	}
	ids := make([]string, 0, len(list))
	for _, n := range list {
		ids = append(ids, n.ID)
	}
	if err := s.Store.MarkNoticesPushed(c.Request.Context(), ids); err != nil {
		logger.Warnf("[api] mark notices pushed failed user=%s: %v", id.UserID, err)
	}
	c.JSON(http.StatusOK, gin.H{"notices": list})
}
