package api

import (
	"net/http"
	"time"

	"StoryToVideo-pipeline/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var cancellableKinds = map[service.TaskKind]bool{
	service.KindScript:      true,
	service.KindSceneImage:  true,
	service.KindVideoSubmit: true,
	service.KindVideoPoll:   true,
	service.KindExport:      true,
	service.KindCharacters:  true,
	service.KindPortrait:    true,
	service.KindCharUpload:  true,
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func (h *Handler) GetTaskStatus(c *gin.Context) {
	t, err := h.Store.GetTaskRun(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// 取消单个任务：DELETE /v1/api/tasks/:kind/:entity_id
// 已持久化的实体状态保持不变
func (h *Handler) CancelTask(c *gin.Context) {
	kind := service.TaskKind(c.Param("kind"))
	entityID := c.Param("entity_id")
	if !cancellableKinds[kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的任务类型: " + string(kind)})
		return
	}
	if !h.Pipeline.CancelTask(entityID, kind) {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有正在执行的任务"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已取消", "kind": kind, "entity_id": entityID})
}

// 任务事件 WebSocket：GET /events/wss?entity_id=...&task_id=...
// 两个参数都可省略，省略时推送全部事件，直到客户端断开。
func (h *Handler) EventsWebSocket(c *gin.Context) {
	entityID := c.Query("entity_id")
	taskID := c.Query("task_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.Bus.Subscribe(128)
	defer unsubscribe()

	// 读循环只用来发现客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if entityID != "" && ev.EntityID != entityID {
				continue
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
