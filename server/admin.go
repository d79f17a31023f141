package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"arenasync/replaystore"
)

// Handlers HTTP 入口，持有显式的依赖而不是全局单例
type Handlers struct {
	Manager *Manager
	Store   *replaystore.Store // 可为空：不归档回放
	Log     *zap.Logger

	// DiffMode /replay 未带 diff 参数时的默认打包方式
	DiffMode bool
}

// NewMux 注册全部路由
func NewMux(h *Handlers) *http.ServeMux {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/admin/config", h.HandleAdminConfig)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/replay", h.HandleReplay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func roomParam(r *http.Request) string {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = "room-1"
	}
	return roomID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAdminConfig 提供房间配置的读取与更新（热更新基本规则）
// GET /admin/config?room=room-1  返回当前配置
// POST /admin/config?room=room-1 以 JSON 载荷更新部分字段
func (h *Handlers) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	roomID := roomParam(r)
	room := h.Manager.GetOrCreateRoom(roomID)

	type cfg struct {
		MaxInputsPerTick *int     `json:"maxInputsPerTick,omitempty"`
		SimulateDropProb *float64 `json:"simulateDropProb,omitempty"`
		RecordEvery      *int     `json:"recordEvery,omitempty"`
		KeyframeInterval *int     `json:"keyframeInterval,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		c := room.Config()
		writeJSON(w, http.StatusOK, cfg{
			MaxInputsPerTick: &c.MaxInputsPerTick,
			SimulateDropProb: &c.SimulateDropProb,
			RecordEvery:      &c.RecordEvery,
			KeyframeInterval: &c.KeyframeInterval,
		})
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.SimulateDropProb != nil && (*body.SimulateDropProb < 0 || *body.SimulateDropProb > 1) {
			http.Error(w, "simulateDropProb must be in [0,1]", http.StatusBadRequest)
			return
		}
		c := room.UpdateConfig(func(c *RoomConfig) {
			if body.MaxInputsPerTick != nil {
				c.MaxInputsPerTick = *body.MaxInputsPerTick
			}
			if body.SimulateDropProb != nil {
				c.SimulateDropProb = *body.SimulateDropProb
			}
			if body.RecordEvery != nil {
				c.RecordEvery = *body.RecordEvery
			}
			if body.KeyframeInterval != nil {
				c.KeyframeInterval = *body.KeyframeInterval
			}
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		h.Log.Sugar().Infof("config updated: room=%s maxInputsPerTick=%d drop=%.2f recordEvery=%d keyframeInterval=%d",
			roomID, c.MaxInputsPerTick, c.SimulateDropProb, c.RecordEvery, c.KeyframeInterval)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=room-1
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	roomID := roomParam(r)
	room, ok := h.Manager.Room(roomID)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":        roomID,
		"tick":        room.TickSeq(),
		"tick_micros": room.TickMicros(),
		"millis":      room.State().Millis,
		"metrics":     room.Metrics().Snapshot(),
	})
}

// HandleReplay 打包房间录制的回放
// GET /replay?room=room-1&diff=1&save=1
func (h *Handlers) HandleReplay(w http.ResponseWriter, r *http.Request) {
	roomID := roomParam(r)
	room, ok := h.Manager.Room(roomID)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	diffMode := h.DiffMode
	if v := q.Get("diff"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "bad diff param", http.StatusBadRequest)
			return
		}
		diffMode = parsed
	}
	name := q.Get("name")
	if name == "" {
		name = roomID
	}
	b, err := room.Replay(name, diffMode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if save, _ := strconv.ParseBool(q.Get("save")); save {
		if h.Store == nil {
			http.Error(w, "replay archive disabled", http.StatusServiceUnavailable)
			return
		}
		rec, err := h.Store.Save(r.Context(), roomID, b)
		if err != nil {
			h.Log.Error("archive replay", zap.String("room", roomID), zap.Error(err))
			http.Error(w, "archive failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Replay-ID", rec.ID)
	}
	writeJSON(w, http.StatusOK, b)
}
