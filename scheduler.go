package remoteprofile

import (
	"context"
	"sync"
	"time"
)

// Scheduler は一定間隔でrunを呼び出すキャンセル可能なタイマー
// 各tickは別goroutineで実行されるので、重複実行の抑止は呼び出し側で行う
type Scheduler struct {
	interval time.Duration
	run      func(ctx context.Context)

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	runWG   sync.WaitGroup
}

// NewScheduler はスケジューラを作成する（まだ開始しない）
func NewScheduler(interval time.Duration, run func(ctx context.Context)) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval: interval,
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start はタイマーを開始する。開始済み・停止済みの場合は何もしない
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	s.loopWG.Add(1)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runWG.Add(1)
			go func() {
				defer s.runWG.Done()
				s.run(s.ctx)
			}()
		}
	}
}

// Stop はタイマーを止め、実行中のrunの終了を待つ
// 未開始でも複数回呼んでも安全
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.loopWG.Wait()
	s.runWG.Wait()
}

// Running はタイマーが動作中かを返す
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}
