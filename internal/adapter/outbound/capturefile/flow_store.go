// Package capturefile provides file-based flow persistence with JSON
// Lines format, daily rotation, size caps, retention cleanup, and an
// in-memory cache that serves recent-flow queries.
package capturefile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
)

// flowFileInfo is a flow filename broken into its sortable parts.
type flowFileInfo struct {
	name   string
	date   string
	suffix int
}

// Flow files are named flows-YYYY-MM-DD.log, with -N appended when a
// day overflows the size cap.
var flowFilePattern = regexp.MustCompile(`^flows-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// parseFlowFilename splits a filename against flowFilePattern.
func parseFlowFilename(name string) (flowFileInfo, bool) {
	matches := flowFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return flowFileInfo{}, false
	}

	info := flowFileInfo{
		name: name,
		date: matches[1],
	}

	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return flowFileInfo{}, false
		}
		info.suffix = n
	}

	return info, true
}

// sortFlowFiles orders files chronologically: by date, then suffix.
func sortFlowFiles(files []flowFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// Config controls where flow files live and how long they stay.
type Config struct {
	// Dir receives the flow files.
	Dir string
	// RetentionDays bounds how long old files survive cleanup. Default 7.
	RetentionDays int
	// MaxFileSizeMB triggers a size rotation once a file grows past it.
	// Default 100.
	MaxFileSizeMB int
	// CacheSize is how many recent flows queries can see. Default 1000.
	CacheSize int
}

// FileFlowStore implements capture.FlowStore with file rotation and
// retention, and capture.FlowQueryStore over its in-memory cache of
// recent flows.
type FileFlowStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	file          *os.File
	fileDate      string
	fileSize      int64
	fileSuffix    int
	cache         *flowCache
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

// NewFileFlowStore opens today's flow file under cfg.Dir, reclaims
// space past the retention window, warms the query cache from the most
// recent file on disk, and starts the hourly retention loop.
func NewFileFlowStore(cfg Config, logger *slog.Logger) (*FileFlowStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	// Captured traffic can hold credentials; keep the directory private.
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create flow directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &FileFlowStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newFlowCache(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open flow file: %w", err)
	}

	s.runCleanup()
	s.populateCache()
	go s.startCleanupLoop(ctx)

	return s, nil
}

// Append writes flows to the current file, one JSON object per line,
// rotating first when a flow's date or the file's size calls for it.
func (s *FileFlowStore) Append(_ context.Context, flows ...capture.Flow) error {
	if len(flows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, flow := range flows {
		dateStr := flow.StartedAt.UTC().Format("2006-01-02")

		if dateStr != s.fileDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}

		if s.fileSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(flow)
		if err != nil {
			return fmt.Errorf("marshal flow: %w", err)
		}

		line := append(data, '\n')
		n, err := s.file.Write(line)
		if err != nil {
			return fmt.Errorf("write flow: %w", err)
		}
		s.fileSize += int64(n)

		s.cache.Add(flow)
	}

	return nil
}

// Flush forces pending flows to disk by syncing the current file.
func (s *FileFlowStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

// Close stops the retention loop and syncs and closes the current
// file. Safe to call more than once.
func (s *FileFlowStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.cancel()

	if s.file != nil {
		_ = s.file.Sync()
		err := s.file.Close()
		s.file = nil
		return err
	}

	return nil
}

// Recent returns cached flows matching the filter, newest first. Queries
// see only the in-memory cache of recent flows, not the full history on
// disk.
func (s *FileFlowStore) Recent(_ context.Context, filter capture.FlowFilter) ([]capture.Flow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []capture.Flow
	for _, flow := range s.cache.All() {
		if !filter.Matches(flow) {
			continue
		}
		result = append(result, flow)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Get returns a cached flow by ID.
func (s *FileFlowStore) Get(_ context.Context, id string) (*capture.Flow, error) {
	for _, flow := range s.cache.All() {
		if flow.ID == id {
			f := flow
			return &f, nil
		}
	}
	return nil, capture.ErrFlowNotFound
}

// Stats aggregates counters over the cached flows.
func (s *FileFlowStore) Stats(_ context.Context) (*capture.FlowStats, error) {
	return aggregateStats(s.cache.All()), nil
}

// aggregateStats folds a flow list into counters.
func aggregateStats(flows []capture.Flow) *capture.FlowStats {
	stats := &capture.FlowStats{
		ByOutcome:     make(map[string]int64),
		ByStatusClass: make(map[string]int64),
		ByHost:        make(map[string]int64),
	}
	for _, flow := range flows {
		stats.Total++
		stats.ByOutcome[flow.Outcome]++
		stats.ByStatusClass[statusClass(flow.Status)]++
		if flow.Host != "" {
			stats.ByHost[flow.Host]++
		}
	}
	return stats
}

// statusClass buckets a status code into "2xx".."5xx"; exchanges that
// never produced a response land in "none".
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "none"
	}
	return fmt.Sprintf("%dxx", status/100)
}

// openCurrentFile opens the flow file for dateStr, resuming the
// highest suffix already on disk so a restart appends rather than
// overwrites.
func (s *FileFlowStore) openCurrentFile(dateStr string) error {
	return s.switchFileLocked(dateStr, s.findHighestSuffix(dateStr))
}

// findHighestSuffix reports the largest suffix on disk for a date,
// zero when only the base file (or nothing) exists.
func (s *FileFlowStore) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	highest := 0
	for _, e := range entries {
		info, ok := parseFlowFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}

	return highest
}

// openFile opens the file for a date and suffix in append mode and
// reports its size, which seeds the rotation accounting.
func (s *FileFlowStore) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := s.buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}

	return f, info.Size(), nil
}

// buildFilename renders the name parseFlowFilename accepts.
func (s *FileFlowStore) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("flows-%s.log", dateStr)
	}
	return fmt.Sprintf("flows-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked moves writing to the file for dateStr, resetting
// the suffix. Caller holds s.mu.
func (s *FileFlowStore) rotateDateLocked(dateStr string) error {
	return s.switchFileLocked(dateStr, 0)
}

// rotateSizeLocked moves writing to the next suffix for the current
// date. Caller holds s.mu.
func (s *FileFlowStore) rotateSizeLocked() error {
	return s.switchFileLocked(s.fileDate, s.fileSuffix+1)
}

// switchFileLocked redirects writes to the file for dateStr and
// suffix. The new file is opened before the old one closes, so a
// failed rotation leaves the store writing where it was. Caller holds
// s.mu.
func (s *FileFlowStore) switchFileLocked(dateStr string, suffix int) error {
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}

	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
	}

	s.file = f
	s.fileDate = dateStr
	s.fileSuffix = suffix
	s.fileSize = size

	return nil
}

// runCleanup removes flow files dated past the retention window.
func (s *FileFlowStore) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("flow cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0

	for _, e := range entries {
		info, ok := parseFlowFilename(e.Name())
		if !ok {
			continue
		}

		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}

		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("flow cleanup: failed to delete file",
					"file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		s.logger.Info("flow cleanup completed", "deleted", deleted)
	}
}

// startCleanupLoop reruns retention hourly until Close cancels it.
func (s *FileFlowStore) startCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// populateCache warms the query cache from the newest file on disk,
// so recent-flow queries work across a restart.
func (s *FileFlowStore) populateCache() {
	mostRecent := s.findMostRecentFile()
	if mostRecent == "" {
		return
	}

	path := filepath.Join(s.dir, mostRecent)
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("flow cache: failed to open file for population",
			"file", mostRecent, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var flows []capture.Flow
	scanner := bufio.NewScanner(f)
	// A flow line with indexed headers can outgrow the default 64K.
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var flow capture.Flow
		if err := json.Unmarshal([]byte(line), &flow); err != nil {
			s.logger.Warn("flow cache: skipping malformed line",
				"file", mostRecent, "error", err)
			continue
		}
		flows = append(flows, flow)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("flow cache: error reading file",
			"file", mostRecent, "error", err)
	}

	// Only the tail fits; adding oldest-to-newest leaves the newest
	// flow at the front of the ring.
	start := 0
	if len(flows) > s.cache.size {
		start = len(flows) - s.cache.size
	}
	for _, flow := range flows[start:] {
		s.cache.Add(flow)
	}
}

// findMostRecentFile names the newest flow file that holds data, or ""
// when the directory has none. An empty file is usually today's file
// freshly created by the constructor; warming from it would be a no-op
// while skipping the file that actually holds yesterday's tail.
func (s *FileFlowStore) findMostRecentFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	var files []flowFileInfo
	for _, e := range entries {
		info, ok := parseFlowFilename(e.Name())
		if !ok {
			continue
		}
		finfo, err := e.Info()
		if err != nil || finfo.Size() == 0 {
			continue
		}
		files = append(files, info)
	}

	if len(files) == 0 {
		return ""
	}

	sortFlowFiles(files)
	return files[len(files)-1].name
}

var (
	_ capture.FlowStore      = (*FileFlowStore)(nil)
	_ capture.FlowQueryStore = (*FileFlowStore)(nil)
)

// flowCache is a fixed-size ring of the most recent flows. Queries
// read from here rather than re-scanning files.
type flowCache struct {
	entries []capture.Flow
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newFlowCache(size int) *flowCache {
	if size <= 0 {
		size = 1000
	}
	return &flowCache{
		entries: make([]capture.Flow, size),
		size:    size,
	}
}

// Add inserts a flow, displacing the oldest entry once the ring fills.
func (c *flowCache) Add(flow capture.Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = flow
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// All returns every cached flow, newest first.
func (c *flowCache) All() []capture.Flow {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]capture.Flow, c.count)
	for i := 0; i < c.count; i++ {
		// The newest entry sits just behind head.
		idx := (c.head - 1 - i + c.size) % c.size
		result[i] = c.entries[idx]
	}
	return result
}

// Len reports how many flows the ring currently holds.
func (c *flowCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
