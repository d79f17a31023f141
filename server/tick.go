package server

import (
	"time"

	"go.uber.org/zap"
)

// Step 执行一次完整的 Tick：处理输入 → 更新世界 → 广播结果
func (r *Room) Step() error {
	start := time.Now()
	r.BeginTick()
	r.ProcessInputs()
	if err := r.UpdateWorld(); err != nil {
		return err
	}
	r.Broadcast()
	r.metrics.AddTick(time.Since(start).Nanoseconds())
	return nil
}

// StartTicker 启动房间的 Tick 循环（单线程推进世界）
func (r *Room) StartTicker() {
	if r.tickerStarted {
		return
	}
	r.tickerStarted = true
	interval := time.Second / time.Duration(r.Config().TickRate)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Step(); err != nil {
					r.log.Error("tick failed, room stopped", zap.Error(err))
					return
				}
			}
		}
	}()
}

// Stop 停止 Tick 循环
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
