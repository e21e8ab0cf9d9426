package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"PClient/logger"
	"PClient/module/chat/call"
	"PClient/module/chat/conversation"
	"PClient/module/chat/model"
	"PClient/service/transport"
	errs "PClient/tools/errs"
	"PClient/tools/safe"

	"github.com/gin-gonic/gin"
)

// 本地 HTTP 桥：UI 进程通过它查状态、发消息、控制呼叫。
// 只监听回环地址，不做鉴权。

type Server struct {
	engine *conversation.Engine
	calls  *call.Manager
	trans  *transport.Manager
	srv    *http.Server
}

func NewServer(port int, e *conversation.Engine, c *call.Manager, t *transport.Manager) *Server {
	s := &Server{engine: e, calls: c, trans: t}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	{
		v1.GET("/conn/state", s.connState)
		v1.GET("/unread", s.unread)
		v1.GET("/conversations", s.listConversations)
		v1.GET("/conversations/:id/messages", s.listMessages)
		v1.POST("/conversations/:id/open", s.openConversation)
		v1.POST("/conversations/:id/close", s.closeConversation)
		v1.POST("/conversations/:id/mute", s.muteConversation)
		v1.DELETE("/conversations/:id", s.removeConversation)
		v1.POST("/messages/send", s.sendMessage)
		v1.POST("/calls/dial", s.dialCall)
		v1.POST("/calls/accept", s.acceptCall)
		v1.POST("/calls/decline", s.declineCall)
		v1.POST("/calls/hangup", s.hangupCall)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	safe.SafeGo(func() {
		logger.Infof("[api] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[api] serve: %v", err)
		}
	})
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ===== 响应信封 =====

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
}

func fail(c *gin.Context, err error) {
	var ce *errs.CodeError
	if stderrors.As(err, &ce) {
		c.JSON(http.StatusOK, gin.H{"code": ce.Code, "msg": ce.Msg, "detail": ce.Detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": errs.ServerInternalError, "msg": err.Error()})
}

// ===== handlers =====

func (s *Server) connState(c *gin.Context) {
	ok(c, gin.H{"state": s.trans.State()})
}

func (s *Server) unread(c *gin.Context) {
	ok(c, gin.H{"total": s.engine.TotalUnread()})
}

func (s *Server) listConversations(c *gin.Context) {
	list, err := s.engine.Conversations(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"conversations": list})
}

func (s *Server) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := s.engine.Messages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"messages": msgs})
}

func (s *Server) openConversation(c *gin.Context) {
	if err := s.engine.Open(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) closeConversation(c *gin.Context) {
	s.engine.Close(c.Param("id"))
	ok(c, nil)
}

type muteReq struct {
	Mute bool `json:"mute"`
}

func (s *Server) muteConversation(c *gin.Context) {
	var req muteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.New("bad request", "err", err))
		return
	}
	if err := s.engine.SetMuted(c.Request.Context(), c.Param("id"), req.Mute); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) removeConversation(c *gin.Context) {
	if err := s.engine.Remove(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type sendReq struct {
	PeerID      string `json:"peer_id" binding:"required"`
	ConvType    int32  `json:"conv_type"`
	ContentType int32  `json:"content_type"`
	Content     string `json:"content" binding:"required"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.New("bad request", "err", err))
		return
	}
	ct := model.ConvTypeFriend
	if req.ConvType == int32(model.ConvTypeGroup) {
		ct = model.ConvTypeGroup
	}
	contentType := req.ContentType
	if contentType == 0 {
		contentType = model.ContentTypeText
	}
	m, err := s.engine.SendMessage(c.Request.Context(), req.PeerID, ct, contentType, req.Content, time.Now().UnixMilli())
	if err != nil {
		// 乐观消息已落库，状态是 Failed，一并带回去
		fail(c, err)
		return
	}
	ok(c, gin.H{"message": m})
}

type dialReq struct {
	PeerID string `json:"peer_id" binding:"required"`
	Kind   int32  `json:"kind"`
}

func (s *Server) dialCall(c *gin.Context) {
	var req dialReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.New("bad request", "err", err))
		return
	}
	kind := model.CallKindAudio
	if req.Kind == int32(model.CallKindVideo) {
		kind = model.CallKindVideo
	}
	callID, err := s.calls.Dial(c.Request.Context(), req.PeerID, kind)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"call_id": callID})
}

func (s *Server) acceptCall(c *gin.Context) {
	if err := s.calls.Accept(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) declineCall(c *gin.Context) {
	if err := s.calls.Decline(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) hangupCall(c *gin.Context) {
	if err := s.calls.Hangup(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}
