package buffer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultLRUMaxPages = 100

type bgWriterState struct {
	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	// next buffer to inspect, kept ahead of the clock hand
	nextToClean int
	lastPasses  uint64
}

// BgBufferSync runs one background-writer round: it walks ahead of the
// clock hand and writes dirty buffers that are neither pinned nor recently
// used, so that the sweep finds clean victims. It returns the number of
// buffers written.
func (m *Manager) BgBufferSync(maxPages int) int {
	if maxPages <= 0 {
		maxPages = defaultLRUMaxPages
	}
	hand, passes, allocs := m.strategy.syncStart()

	m.bgw.mu.Lock()
	defer m.bgw.mu.Unlock()
	n := len(m.descs)
	// restart just ahead of the hand if the sweep overtook us
	if passes != m.bgw.lastPasses || m.bgw.nextToClean < hand {
		m.bgw.nextToClean = hand
	}
	m.bgw.lastPasses = passes

	// scan about as far as recent allocations suggest, at least one page
	// per round
	toScan := int(allocs)*2 + 1
	if toScan > n {
		toScan = n
	}

	written := 0
	for i := 0; i < toScan && written < maxPages; i++ {
		d := m.descs[m.bgw.nextToClean%n]
		m.bgw.nextToClean++
		ok, err := m.syncOneBuffer(d, true)
		if err != nil {
			m.logger.Warn("background writer failed to write buffer", zap.Int("buffer", d.id+1), zap.Error(err))
			continue
		}
		if ok {
			written++
		}
	}
	if m.bgw.nextToClean >= n {
		m.bgw.nextToClean %= n
	}
	return written
}

// StartBackgroundWriter runs BgBufferSync every delay until
// StopBackgroundWriter is called.
func (m *Manager) StartBackgroundWriter(delay time.Duration, maxPages int) {
	m.bgw.mu.Lock()
	if m.bgw.stopChan != nil {
		m.bgw.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.bgw.stopChan = stop
	m.bgw.mu.Unlock()

	m.bgw.wg.Add(1)
	go func() {
		defer m.bgw.wg.Done()
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.BgBufferSync(maxPages); n > 0 {
					m.logger.Debug("background writer round", zap.Int("written", n))
				}
			case <-stop:
				return
			}
		}
	}()
	m.logger.Info("background writer started", zap.Duration("delay", delay))
}

// StopBackgroundWriter stops the goroutine started by StartBackgroundWriter.
func (m *Manager) StopBackgroundWriter() {
	m.bgw.mu.Lock()
	stop := m.bgw.stopChan
	m.bgw.stopChan = nil
	m.bgw.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.bgw.wg.Wait()
}
