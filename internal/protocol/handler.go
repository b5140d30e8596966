package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/quic-go/webtransport-go"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/model"
	"sudooom.im.messenger/internal/service"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/jwt"
	"sudooom.im.messenger/pkg/proto"
)

const maxFrameSize = 1 << 20 // 1MB

var errAuthRequired = errors.New("first frame must be auth")

// Handler 网关协议处理器
// 每个连接的首帧必须是认证请求，之后才接受订阅、发消息和心跳
type Handler struct {
	registry *connection.Registry
	msgSvc   *service.MessageService
	convSvc  *service.ConversationService
	jwtSvc   *jwt.Service
	logger   *slog.Logger
}

func NewHandler(registry *connection.Registry, msgSvc *service.MessageService, convSvc *service.ConversationService, jwtSvc *jwt.Service, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		msgSvc:   msgSvc,
		convSvc:  convSvc,
		jwtSvc:   jwtSvc,
		logger:   logger,
	}
}

// HandleFirstStream 处理首包认证
func (h *Handler) HandleFirstStream(ctx context.Context, conn *connection.Connection, stream webtransport.Stream) error {
	msgType, body, err := h.readFrame(stream)
	if err != nil {
		return err
	}
	if msgType != MsgTypeAuth {
		return errAuthRequired
	}

	var req proto.AuthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return err
	}

	claims, err := h.jwtSvc.Validate(req.Token)
	if err != nil {
		resp, _ := json.Marshal(&proto.AuthResponse{
			Code:    apperrors.GetCode(err),
			Message: apperrors.GetMessage(err),
		})
		h.sendResponse(stream, MsgTypeAuthAck, resp)
		return err
	}

	sessInfo := &connection.SessionInfo{
		UserID:   claims.UserID,
		DeviceID: req.DeviceId,
		Platform: req.Platform,
	}
	conn.BindSession(sessInfo)
	h.registry.BindUser(conn.ID(), claims.UserID)

	resp, _ := json.Marshal(&proto.AuthResponse{
		Code:    0,
		UserId:  claims.UserID,
		Message: "success",
	})
	h.sendResponse(stream, MsgTypeAuthAck, resp)

	h.logger.Info("Connection authenticated",
		"conn_id", conn.ID(),
		"user_id", claims.UserID,
		"platform", req.Platform)
	return nil
}

// HandleStream 认证后的主循环，逐帧读取并分发
func (h *Handler) HandleStream(ctx context.Context, conn *connection.Connection, stream webtransport.Stream) {
	defer stream.Close()

	for {
		msgType, body, err := h.readFrame(stream)
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("Failed to read frame", "error", err)
			}
			return
		}

		conn.UpdateActive()
		h.dispatch(ctx, conn, stream, msgType, body)
	}
}

func (h *Handler) readFrame(stream webtransport.Stream) (uint16, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(stream, header); err != nil {
		return 0, nil, err
	}

	length, msgType := DecodeHeader(header)
	if length > maxFrameSize {
		return 0, nil, errors.New("frame too large")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(stream, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}

func (h *Handler) dispatch(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, msgType uint16, body []byte) {
	switch msgType {
	case MsgTypeHeartbeat:
		h.handleHeartbeat(conn, stream)
	case MsgTypeJoin:
		h.handleJoin(ctx, conn, stream, body)
	case MsgTypeSend:
		h.handleSend(ctx, conn, stream, body)
	case MsgTypeMarkRead:
		h.handleMarkRead(ctx, conn, body)
	default:
		h.logger.Debug("Unknown message type", "msg_type", msgType, "conn_id", conn.ID())
	}
}

func (h *Handler) handleHeartbeat(conn *connection.Connection, stream webtransport.Stream) {
	h.logger.Debug("Heartbeat received", "conn_id", conn.ID())
	h.sendResponse(stream, MsgTypeHeartbeat, nil)
}

// handleJoin 订阅会话房间
// 这里是权限收口：只允许订阅请求者当前参与的会话，
// 被移出/已退出的成员订阅不放行，只保留历史拉取；
// 替换语义，之前订阅的房间全部退出
func (h *Handler) handleJoin(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, body []byte) {
	var req proto.JoinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("Failed to unmarshal join request", "error", err)
		return
	}

	allowed, err := h.convSvc.ListForUser(ctx, conn.UserID())
	if err != nil {
		resp, _ := json.Marshal(&proto.JoinResponse{
			Code:    apperrors.GetCode(err),
			Message: apperrors.GetMessage(err),
		})
		h.sendResponse(stream, MsgTypeJoinAck, resp)
		return
	}

	allowedSet := make(map[int64]struct{}, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = struct{}{}
	}

	joined := make([]int64, 0, len(req.ConversationIds))
	for _, id := range req.ConversationIds {
		if _, ok := allowedSet[id]; ok {
			joined = append(joined, id)
		}
	}

	h.registry.JoinRooms(conn.ID(), joined)

	resp, _ := json.Marshal(&proto.JoinResponse{Code: 0, Joined: joined})
	h.sendResponse(stream, MsgTypeJoinAck, resp)

	h.logger.Debug("Rooms joined",
		"conn_id", conn.ID(),
		"user_id", conn.UserID(),
		"requested", len(req.ConversationIds),
		"joined", len(joined))
}

func (h *Handler) handleSend(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, body []byte) {
	var req proto.SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("Failed to unmarshal send request", "error", err)
		return
	}

	msg, err := h.msgSvc.Send(ctx, conn.UserID(), &service.SendInput{
		ConversationId: req.ConversationId,
		ToUserId:       req.ToUserId,
		MsgType:        model.MessageType(req.MsgType),
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
	})

	ack := &proto.SendAck{
		ClientMsgId: req.ClientMsgId,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err != nil {
		ack.Code = apperrors.GetCode(err)
		ack.Message = apperrors.GetMessage(err)
	} else {
		ack.ServerMsgId = msg.Id
		ack.ConversationId = msg.ConversationId
	}

	respData, _ := json.Marshal(ack)
	h.sendResponse(stream, MsgTypeSendAck, respData)
}

func (h *Handler) handleMarkRead(ctx context.Context, conn *connection.Connection, body []byte) {
	var req proto.MarkReadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("Failed to unmarshal mark read request", "error", err)
		return
	}

	if err := h.msgSvc.MarkConversationRead(ctx, conn.UserID(), req.ConversationId, req.LastReadMsgId); err != nil {
		h.logger.Warn("Failed to mark conversation read",
			"user_id", conn.UserID(),
			"conversationId", req.ConversationId,
			"error", err)
	}
}

func (h *Handler) sendResponse(stream webtransport.Stream, msgType uint16, body []byte) {
	if _, err := stream.Write(EncodeFrame(msgType, body)); err != nil {
		h.logger.Error("Failed to write response", "msg_type", msgType, "error", err)
	}
}

// ============== NATS 事件转发 ==============

// HandleRoomEvent 把 NATS 广播的房间事件投递给本节点上该房间的连接
func (h *Handler) HandleRoomEvent(ctx context.Context, event *proto.RoomEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal room event", "error", err)
		return
	}

	sent := h.registry.EmitRoom(event.ConversationId, EncodeFrame(MsgTypeEvent, data))
	h.logger.Debug("Room event delivered",
		"event", event.Event,
		"conversationId", event.ConversationId,
		"connCount", sent)
}

// HandleUserEvent 把按用户直投的事件发给该用户的全部本地连接
func (h *Handler) HandleUserEvent(ctx context.Context, event *proto.UserEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal user event", "error", err)
		return
	}

	frame := EncodeFrame(MsgTypeEvent, data)
	for _, conn := range h.registry.GetByUserID(event.UserId) {
		if err := conn.Send(frame); err != nil {
			h.logger.Debug("Failed to push user event", "conn_id", conn.ID(), "error", err)
		}
	}
}
