// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"kieran-ai-go/internal/middleware"
	"kieran-ai-go/internal/service"
	"kieran-ai-go/pkg/log"
	"kieran-ai-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理聊天相关的 HTTP 与 WebSocket 请求。
type ChatHandler struct {
	chatService service.ChatService
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		jwtManager:  jwtManager,
	}
}

// PostMessageRequest 定义了发送聊天消息 API 的请求体结构。
type PostMessageRequest struct {
	Content  string `json:"content" binding:"required,min=1,max=2000"`
	Role     string `json:"role" binding:"required,eq=user"`
	UserType string `json:"userType" binding:"omitempty,oneof=personal enterprise"`
}

// PostMessage 处理一条入站聊天消息，返回持久化后的用户/助手消息对。
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	// 绑定并验证 JSON 请求体：校验失败时不产生任何状态变更
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("PostMessage: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：content 必须为 1-2000 字符，role 必须为 user",
		})
		return
	}

	ident := middleware.IdentityFromContext(c)
	userMsg, assistantMsg, err := h.chatService.HandleMessage(c.Request.Context(), ident, req.Content, req.UserType)
	if err != nil {
		log.Errorf("PostMessage: 处理聊天消息失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to process chat message",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userMessage":      userMsg,
		"assistantMessage": assistantMsg,
	})
}

// ListMessages 返回当前身份的有序消息列表。
func (h *ChatHandler) ListMessages(c *gin.Context) {
	ident := middleware.IdentityFromContext(c)

	messages, err := h.chatService.ListMessages(c.Request.Context(), ident)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to retrieve chat messages",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    messages,
	})
}

// ClearMessages 清空当前身份的历史并播种一条欢迎消息。
func (h *ChatHandler) ClearMessages(c *gin.Context) {
	ident := middleware.IdentityFromContext(c)

	welcome, err := h.chatService.ClearMessages(c.Request.Context(), ident)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to clear chat messages",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    welcome,
	})
}

// HandleWS 处理流式聊天的 WebSocket 连接。
// 身份通过可选的 token 查询参数解析（浏览器的 WebSocket 无法自定义请求头），
// 匿名访客可携带 session 查询参数隔离历史。每个文本帧是一轮用户输入。
func (h *ChatHandler) HandleWS(c *gin.Context) {
	ident := service.Identity{SessionID: c.Query("session")}
	if tokenString := c.Query("token"); tokenString != "" {
		if claims, err := h.jwtManager.VerifyToken(tokenString); err == nil {
			userID := claims.UserID
			ident.UserID = &userID
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，身份: %s", ident.StorageKey())

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}
		if msgType != websocket.TextMessage || len(message) == 0 {
			continue
		}
		content := string(message)
		if len(content) > 2000 {
			writeWSError(conn, "消息长度不能超过 2000 字符")
			continue
		}

		interceptor := &wsChunkWriter{conn: conn}
		_, _, err = h.chatService.StreamMessage(c.Request.Context(), ident, content, "", interceptor)
		if err != nil {
			log.Errorf("处理流式聊天失败: %v", err)
			writeWSError(conn, "消息处理失败，请稍后重试")
		}
		// 无论成功与否都发送完成通知，客户端以此结束本轮渲染
		sendCompletion(conn)
	}
}

// wsChunkWriter 把模型分块包装成 {"chunk":"..."} JSON 帧下发。
type wsChunkWriter struct {
	conn *websocket.Conn
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsChunkWriter) WriteMessage(messageType int, data []byte) error {
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(conn *websocket.Conn) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"timestamp": time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(notif)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func writeWSError(conn *websocket.Conn, message string) {
	errResp := map[string]string{"error": message}
	b, _ := json.Marshal(errResp)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
