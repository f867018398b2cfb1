package service

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/supportbot/frontdesk-go/internal/metrics"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/internal/storage"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// KnowledgeTier 答案来源层级
type KnowledgeTier string

const (
	TierBaseline KnowledgeTier = "baseline"
	TierLearned  KnowledgeTier = "learned"
)

// DefaultBaseline 内置基础知识
func DefaultBaseline() map[string]string {
	return map[string]string{
		"what are your salon hours?":    "We are open from 9 AM to 7 PM, Monday to Saturday.",
		"do you offer hair coloring?":   "Yes, we offer a full range of hair coloring services!",
		"do you take walk-ins?":         "Yes, we accept walk-ins, but appointments are recommended for minimal wait time.",
		"do you accept walk-ins?":       "Yes, we accept walk-ins, but appointments are recommended for minimal wait time.",
		"where are you located?":        "We're located at 123 Main Street, downtown.",
		"how much does a haircut cost?": "Haircuts start at $45 for short hair and $65 for long hair.",
	}
}

// baselineFile 基础知识扩展文件格式
type baselineFile struct {
	Baseline map[string]string `yaml:"baseline"`
}

// KnowledgeService 知识库服务（基础知识只读，学习知识持久化到快照文件）
type KnowledgeService struct {
	baseline map[string]string
	learned  *storage.SnapshotFile
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewKnowledgeService 创建知识库服务
func NewKnowledgeService(learnedPath string, logger *zap.Logger) *KnowledgeService {
	return &KnowledgeService{
		baseline: DefaultBaseline(),
		learned:  storage.NewSnapshotFile(learnedPath),
		logger:   logger,
	}
}

// LoadBaselineFile 从 YAML 文件追加基础知识，文件不存在时忽略
func (s *KnowledgeService) LoadBaselineFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取基础知识文件失败: %w", err)
	}

	var file baselineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析基础知识文件失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for q, a := range file.Baseline {
		if q = model.NormalizeQuestion(q); q != "" {
			s.baseline[q] = a
		}
	}

	s.logger.Info("基础知识已加载", zap.String("path", path), zap.Int("count", len(s.baseline)))
	return nil
}

// Lookup 精确匹配查找答案，基础知识优先
func (s *KnowledgeService) Lookup(question string) (string, KnowledgeTier, bool) {
	q := model.NormalizeQuestion(question)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if answer, ok := s.baseline[q]; ok {
		return answer, TierBaseline, true
	}
	if answer, ok := s.loadLearned()[q]; ok {
		return answer, TierLearned, true
	}
	return "", "", false
}

// Learn 写入学习知识并持久化整份快照（幂等）
func (s *KnowledgeService) Learn(question, answer string) error {
	q := model.NormalizeQuestion(question)
	if q == "" {
		return fmt.Errorf("问题不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	learned := s.loadLearned()
	learned[q] = answer
	if err := s.learned.Write(learned); err != nil {
		return fmt.Errorf("保存知识库失败: %w", err)
	}

	s.logger.Info("知识已学习", zap.String("question", q), zap.Int("learnedCount", len(learned)))
	return nil
}

// Learned 返回学习知识快照
func (s *KnowledgeService) Learned() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLearned()
}

// loadLearned 读取学习知识，损坏的文件被隔离并视为空
func (s *KnowledgeService) loadLearned() map[string]string {
	learned := make(map[string]string)

	data, err := s.learned.Read()
	if err != nil {
		s.logger.Error("读取知识库失败", zap.String("path", s.learned.Path()), zap.Error(err))
		return learned
	}
	if data == nil {
		return learned
	}

	if err := json.Unmarshal(data, &learned); err != nil {
		metrics.SnapshotCorruptions.WithLabelValues("knowledge").Inc()
		moved, qerr := s.learned.Quarantine(time.Now())
		s.logger.Error("知识库文件损坏，按空处理",
			zap.String("path", s.learned.Path()),
			zap.String("movedTo", moved),
			zap.Error(err),
			zap.NamedError("quarantineError", qerr))
		return make(map[string]string)
	}
	return learned
}
