package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

const (
	dayFormat       = "2006-01-02"
	historyKeepDays = 14
)

type ProgramHistory struct {
	Daily    map[string]int `json:"daily"`
	LastScan time.Time      `json:"last_scan"`
}

// ScanHistory limits how often a program may be scanned. State lives in a
// single JSON file that is rewritten atomically on every change.
type ScanHistory struct {
	path        string
	dailyLimit  int
	minInterval time.Duration
	logger      *logrus.Logger
	now         func() time.Time

	mu       sync.Mutex
	programs map[string]*ProgramHistory
}

func NewScanHistory(path string, dailyLimit int, minInterval time.Duration, logger *logrus.Logger) (*ScanHistory, error) {
	if logger == nil {
		logger = logrus.New()
	}
	h := &ScanHistory{
		path:        path,
		dailyLimit:  dailyLimit,
		minInterval: minInterval,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		programs:    make(map[string]*ProgramHistory),
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ScanHistory) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// Check returns ErrRunThrottled when the program hit its daily limit or is
// still inside its cooldown window.
func (h *ScanHistory) Check(program string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkLocked(program, h.now())
}

// Admit checks the gate and, when it passes, counts the run and persists
// the history under the same lock. Two overlapping runs can never both pass a one-run window.
func (h *ScanHistory) Admit(program string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if err := h.checkLocked(program, now); err != nil {
		return err
	}
	return h.recordLocked(program, now)
}

func (h *ScanHistory) checkLocked(program string, now time.Time) error {
	entry, ok := h.programs[program]
	if !ok {
		return nil
	}
	if h.dailyLimit > 0 {
		if n := entry.Daily[now.Format(dayFormat)]; n >= h.dailyLimit {
			return fmt.Errorf("%w: %s reached daily limit (%d/%d)", models.ErrRunThrottled, program, n, h.dailyLimit)
		}
	}
	if h.minInterval > 0 && !entry.LastScan.IsZero() {
		if since := now.Sub(entry.LastScan); since < h.minInterval {
			return fmt.Errorf("%w: %s scanned %s ago, cooldown %s", models.ErrRunThrottled, program, since.Round(time.Second), h.minInterval)
		}
	}
	return nil
}

func (h *ScanHistory) recordLocked(program string, now time.Time) error {
	entry, ok := h.programs[program]
	if !ok {
		entry = &ProgramHistory{Daily: make(map[string]int)}
		h.programs[program] = entry
	}
	entry.Daily[now.Format(dayFormat)]++
	entry.LastScan = now
	h.trim(entry, now)
	return h.save()
}

func (h *ScanHistory) Get(program string) (ProgramHistory, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.programs[program]
	if !ok {
		return ProgramHistory{}, false
	}
	out := ProgramHistory{Daily: make(map[string]int, len(entry.Daily)), LastScan: entry.LastScan}
	for k, v := range entry.Daily {
		out.Daily[k] = v
	}
	return out, true
}

func (h *ScanHistory) Programs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.programs))
	for name := range h.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *ScanHistory) Reset(program string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.programs[program]; !ok {
		return nil
	}
	delete(h.programs, program)
	return h.save()
}

func (h *ScanHistory) trim(entry *ProgramHistory, now time.Time) {
	cutoff := now.AddDate(0, 0, -historyKeepDays).Format(dayFormat)
	for day := range entry.Daily {
		if day < cutoff {
			delete(entry.Daily, day)
		}
	}
}

func (h *ScanHistory) load() error {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scan history: %w", err)
	}
	programs := make(map[string]*ProgramHistory)
	if err := json.Unmarshal(data, &programs); err != nil {
		h.logger.Warnf("Corrupted scan history %s, resetting: %v", h.path, err)
		return nil
	}
	for name, p := range programs {
		if p == nil {
			delete(programs, name)
			continue
		}
		if p.Daily == nil {
			p.Daily = make(map[string]int)
		}
	}
	h.programs = programs
	return nil
}

func (h *ScanHistory) save() error {
	err := utils.WriteFileAtomic(h.path, 0o644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(h.programs)
	})
	if err != nil {
		return fmt.Errorf("save scan history: %w", err)
	}
	return nil
}
