package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrRequestNotFound    = errors.New("求助请求不存在或已处理")
	ErrRequestNotResolved = errors.New("求助请求尚未解决")
	ErrEmptyQuestion      = errors.New("问题不能为空")
)

const (
	ledgerVersion    = 1
	quarantineSuffix = ".quarantine.json"
)

// 旧版快照中出现过的时间格式
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// ledgerFile 账本快照格式
type ledgerFile struct {
	Version  int                  `json:"version"`
	Requests []*model.HelpRequest `json:"requests"`
}

// quarantinedRecord 无法迁移的记录
type quarantinedRecord struct {
	Key        string          `json:"key,omitempty"`
	Reason     string          `json:"reason"`
	Record     json.RawMessage `json:"record"`
	DetectedAt time.Time       `json:"detected_at"`
}

// LedgerService 求助请求账本，所有读写在同一把锁内完成 读取 → 修改 → 整体写回
type LedgerService struct {
	file       *storage.SnapshotFile
	quarantine *storage.SnapshotFile
	mu         sync.Mutex
	now        func() time.Time
	logger     *zap.Logger
}

// NewLedgerService 创建账本服务，并把旧格式快照一次性迁移为当前格式
func NewLedgerService(path string, logger *zap.Logger) (*LedgerService, error) {
	file := storage.NewSnapshotFile(path)
	s := &LedgerService{
		file:       file,
		quarantine: file.Sidecar(quarantineSuffix),
		now:        time.Now,
		logger:     logger,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	logger.Info("账本已加载", zap.String("path", path), zap.Int("count", len(requests)))
	return s, nil
}

// Create 创建新的待处理请求
func (s *LedgerService) Create(question, callerInfo string) (*model.HelpRequest, error) {
	q := model.NormalizeQuestion(question)
	if q == "" {
		return nil, ErrEmptyQuestion
	}
	callerInfo = strings.TrimSpace(callerInfo)
	if callerInfo == "" {
		callerInfo = model.DefaultCallerInfo
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	req := &model.HelpRequest{
		ID:         newRequestID(requests),
		Question:   q,
		Channel:    model.ChannelFromCaller(callerInfo),
		CallerInfo: callerInfo,
		Status:     model.StatusPending,
		CreatedAt:  s.now(),
	}
	requests = append(requests, req)

	if err := s.storeLocked(requests); err != nil {
		return nil, err
	}

	s.logger.Info("求助请求已创建",
		zap.String("requestId", req.ID),
		zap.String("channel", req.Channel),
		zap.String("question", req.Question))
	return req.Clone(), nil
}

// ListPending 返回所有待处理请求
func (s *LedgerService) ListPending() ([]*model.HelpRequest, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}

	pending := make([]*model.HelpRequest, 0, len(all))
	for _, r := range all {
		if r.IsPending() {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// ListAll 返回所有请求
func (s *LedgerService) ListAll() ([]*model.HelpRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	out := make([]*model.HelpRequest, len(requests))
	for i, r := range requests {
		out[i] = r.Clone()
	}
	return out, nil
}

// Get 按 ID 查找请求
func (s *LedgerService) Get(id string) (*model.HelpRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if r := findRequest(requests, id); r != nil {
		return r.Clone(), nil
	}
	return nil, ErrRequestNotFound
}

// Resolve 将待处理请求标记为已解决，每个请求只能成功一次
func (s *LedgerService) Resolve(id, answer string) (*model.HelpRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	r := findRequest(requests, id)
	if r == nil || !r.IsPending() {
		return nil, ErrRequestNotFound
	}

	resolvedAt := s.now()
	if resolvedAt.Before(r.CreatedAt) {
		resolvedAt = r.CreatedAt
	}
	r.Status = model.StatusResolved
	r.ResolvedAt = &resolvedAt
	r.Answer = &answer

	if err := s.storeLocked(requests); err != nil {
		return nil, err
	}

	s.logger.Info("求助请求已解决", zap.String("requestId", id), zap.String("channel", r.Channel))
	return r.Clone(), nil
}

// AcknowledgeDelivery 记录答案已送达，状态不变，只在首次调用时写入送达时间
// channel 可以是频道名或完整的来电信息
func (s *LedgerService) AcknowledgeDelivery(channel, id string) (*model.HelpRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	r := findRequest(requests, id)
	if r == nil || (r.Channel != channel && r.CallerInfo != channel) {
		return nil, ErrRequestNotFound
	}
	if r.Status != model.StatusResolved {
		return nil, ErrRequestNotResolved
	}

	if r.DeliveredAt == nil {
		deliveredAt := s.now()
		r.DeliveredAt = &deliveredAt
		if err := s.storeLocked(requests); err != nil {
			return nil, err
		}
		metrics.DeliveriesAcknowledged.Inc()
		s.logger.Info("答案送达已确认", zap.String("requestId", id), zap.String("channel", channel))
	}
	return r.Clone(), nil
}

// loadLocked 读取快照，旧格式会被迁移并写回
func (s *LedgerService) loadLocked() ([]*model.HelpRequest, error) {
	data, err := s.file.Read()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	requests, quarantined, migrated, err := s.decode(data)
	if err != nil {
		s.handleCorruption(err)
		return nil, nil
	}

	if len(quarantined) > 0 {
		if err := s.appendQuarantine(quarantined); err != nil {
			return nil, err
		}
	}
	if migrated || len(quarantined) > 0 {
		if err := s.storeLocked(requests); err != nil {
			return nil, err
		}
		s.logger.Info("账本已迁移为当前格式",
			zap.String("path", s.file.Path()),
			zap.Int("migrated", len(requests)),
			zap.Int("quarantined", len(quarantined)))
	}
	return requests, nil
}

// storeLocked 整体写回快照
func (s *LedgerService) storeLocked(requests []*model.HelpRequest) error {
	if requests == nil {
		requests = []*model.HelpRequest{}
	}
	if err := s.file.Write(ledgerFile{Version: ledgerVersion, Requests: requests}); err != nil {
		return fmt.Errorf("保存账本失败: %w", err)
	}
	return nil
}

// decode 解析当前格式、旧版列表格式或旧版 map 格式
func (s *LedgerService) decode(data []byte) ([]*model.HelpRequest, []quarantinedRecord, bool, error) {
	trimmed := bytes.TrimSpace(data)

	type keyed struct {
		key string
		raw json.RawMessage
	}
	var records []keyed
	migrated := false

	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, nil, false, fmt.Errorf("解析旧版列表格式失败: %w", err)
		}
		for _, raw := range list {
			records = append(records, keyed{raw: raw})
		}
		migrated = true

	case '{':
		var probe struct {
			Version  *int              `json:"version"`
			Requests []json.RawMessage `json:"requests"`
		}
		if err := json.Unmarshal(trimmed, &probe); err == nil && probe.Version != nil {
			if *probe.Version != ledgerVersion {
				return nil, nil, false, fmt.Errorf("不支持的账本版本: %d", *probe.Version)
			}
			for _, raw := range probe.Requests {
				records = append(records, keyed{raw: raw})
			}
			break
		}

		var byID map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &byID); err != nil {
			return nil, nil, false, fmt.Errorf("解析旧版 map 格式失败: %w", err)
		}
		keys := make([]string, 0, len(byID))
		for k := range byID {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			records = append(records, keyed{key: k, raw: byID[k]})
		}
		migrated = true

	default:
		return nil, nil, false, fmt.Errorf("无法识别的账本格式")
	}

	now := s.now()
	seen := make(map[string]bool, len(records))
	requests := make([]*model.HelpRequest, 0, len(records))
	var quarantined []quarantinedRecord

	for _, rec := range records {
		req, repaired, reason := decodeRecord(rec.key, rec.raw, now)
		if reason == "" && seen[req.ID] {
			reason = "重复的请求 ID"
		}
		if reason != "" {
			quarantined = append(quarantined, quarantinedRecord{
				Key:        rec.key,
				Reason:     reason,
				Record:     rec.raw,
				DetectedAt: now,
			})
			continue
		}
		if repaired {
			migrated = true
		}
		seen[req.ID] = true
		requests = append(requests, req)
	}

	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, quarantined, migrated, nil
}

// legacyRecord 宽松解析单条记录
type legacyRecord struct {
	ID          string  `json:"id"`
	Question    string  `json:"question"`
	Channel     string  `json:"channel"`
	CallerInfo  string  `json:"caller_info"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ResolvedAt  *string `json:"resolved_at"`
	Answer      *string `json:"answer"`
	DeliveredAt *string `json:"delivered_at"`
}

// decodeRecord 返回修复后的记录；reason 非空表示需要隔离
func decodeRecord(key string, raw json.RawMessage, now time.Time) (*model.HelpRequest, bool, string) {
	var rec legacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, "记录格式错误: " + err.Error()
	}

	repaired := false
	question := model.NormalizeQuestion(rec.Question)
	if question == "" {
		return nil, false, "缺少问题"
	}
	if question != rec.Question {
		repaired = true
	}

	var status model.RequestStatus
	switch strings.ToLower(strings.TrimSpace(rec.Status)) {
	case "pending":
		status = model.StatusPending
	case "resolved":
		status = model.StatusResolved
	default:
		return nil, false, fmt.Sprintf("未知状态 %q", rec.Status)
	}
	if string(status) != rec.Status {
		repaired = true
	}

	if status == model.StatusResolved && (rec.Answer == nil || strings.TrimSpace(*rec.Answer) == "") {
		return nil, false, "已解决但缺少答案"
	}

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = key
		if id == "" {
			id = uuid.New().String()[:8]
		}
		repaired = true
	}

	callerInfo := strings.TrimSpace(rec.CallerInfo)
	if callerInfo == "" {
		callerInfo = model.DefaultCallerInfo
		repaired = true
	}
	channel := strings.TrimSpace(rec.Channel)
	if channel == "" {
		channel = model.ChannelFromCaller(callerInfo)
		repaired = true
	}

	createdAt, ok := parseLegacyTime(rec.CreatedAt)
	if !ok {
		createdAt = now
		repaired = true
	}

	req := &model.HelpRequest{
		ID:         id,
		Question:   question,
		Channel:    channel,
		CallerInfo: callerInfo,
		Status:     status,
		CreatedAt:  createdAt,
	}

	if status == model.StatusResolved {
		answer := *rec.Answer
		req.Answer = &answer

		resolvedAt := createdAt
		if rec.ResolvedAt != nil {
			if t, ok := parseLegacyTime(*rec.ResolvedAt); ok && !t.Before(createdAt) {
				resolvedAt = t
			} else {
				repaired = true
			}
		} else {
			repaired = true
		}
		req.ResolvedAt = &resolvedAt

		if rec.DeliveredAt != nil {
			if t, ok := parseLegacyTime(*rec.DeliveredAt); ok {
				req.DeliveredAt = &t
			}
		}
	} else if rec.Answer != nil || rec.ResolvedAt != nil {
		repaired = true
	}

	return req, repaired, ""
}

func parseLegacyTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// handleCorruption 损坏的账本按空集合处理，原文件移到旁边供运维恢复
func (s *LedgerService) handleCorruption(cause error) {
	metrics.SnapshotCorruptions.WithLabelValues("help_requests").Inc()
	moved, err := s.file.Quarantine(s.now())
	s.logger.Error("账本文件损坏，按空集合处理",
		zap.String("path", s.file.Path()),
		zap.String("movedTo", moved),
		zap.Error(cause),
		zap.NamedError("quarantineError", err))
}

// appendQuarantine 追加写入隔离记录
func (s *LedgerService) appendQuarantine(records []quarantinedRecord) error {
	var existing []quarantinedRecord
	data, err := s.quarantine.Read()
	if err != nil {
		return err
	}
	if data != nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			s.logger.Warn("隔离文件无法解析，将被覆盖", zap.String("path", s.quarantine.Path()), zap.Error(err))
			existing = nil
		}
	}

	existing = append(existing, records...)
	if err := s.quarantine.Write(existing); err != nil {
		return fmt.Errorf("写入隔离文件失败: %w", err)
	}

	metrics.QuarantinedRecords.Add(float64(len(records)))
	for _, r := range records {
		s.logger.Warn("账本记录已隔离", zap.String("key", r.Key), zap.String("reason", r.Reason))
	}
	return nil
}

func findRequest(requests []*model.HelpRequest, id string) *model.HelpRequest {
	for _, r := range requests {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// newRequestID 生成 8 位请求 ID，避开已有 ID
func newRequestID(existing []*model.HelpRequest) string {
	for {
		id := uuid.New().String()[:8]
		if findRequest(existing, id) == nil {
			return id
		}
	}
}
