package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/protocol"
	"Fairfy-Chain/pkg/logger"
)

// DefaultRound 用于未携带轮次的消息，此时揭示总是对照最近一次无轮次的承诺。
const DefaultRound = "default"

// MaxRoundLength 是轮次标识的最大字节数，与 commitments.round 列宽一致。
const MaxRoundLength = 64

// HealthStatus 是健康检查中的正常状态。
const HealthStatus = "ok"

// Activity 报告处理器当前是否有作业在执行。
type Activity interface {
	IsProcessing() bool
}

// Service 负责受理承诺与揭示并查询作业。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	activity   Activity
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// AttachActivity 关联处理器，用于健康检查中的 is_processing。
func (s *Service) AttachActivity(a Activity) {
	s.activity = a
}

// SubmitCommit 受理一条承诺消息。
func (s *Service) SubmitCommit(ctx context.Context, msg protocol.CommitMessage) (*Job, error) {
	if len(msg.Path) == 0 {
		return nil, xerrors.New(CodeJobValidation, "承诺缺少叶子序列")
	}
	round, err := normalizeRound(msg.Round)
	if err != nil {
		return nil, err
	}
	msg.Round = round
	return s.submit(ctx, KindCommit, msg.Round, msg)
}

// SubmitReveal 受理一条揭示消息。
func (s *Service) SubmitReveal(ctx context.Context, msg protocol.RevealMessage) (*Job, error) {
	if len(msg.Segment) == 0 {
		return nil, xerrors.New(CodeJobValidation, "揭示缺少段数据")
	}
	round, err := normalizeRound(msg.Round)
	if err != nil {
		return nil, err
	}
	msg.Round = round
	return s.submit(ctx, KindReveal, msg.Round, msg)
}

func (s *Service) submit(ctx context.Context, kind Kind, round string, msg any) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "编码作业负载失败")
	}

	job := &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Round:      round,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, TicketFor(job)); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.String("round", round),
		slog.Int("payload_bytes", len(payload)),
	)
	return job, nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Stats 返回作业统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Health 汇总队列积压、处理状态、已记录根数量与作业统计。
func (s *Service) Health(ctx context.Context) (protocol.Health, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return protocol.Health{}, err
	}
	roots, err := s.store.RecordedRoots(ctx)
	if err != nil {
		return protocol.Health{}, err
	}
	health := protocol.Health{
		Status:        HealthStatus,
		RecordedRoots: roots,
		Jobs:          stats.Counts(),
	}
	if m, ok := s.producer.(Measurable); ok {
		length, err := m.Length(ctx)
		if err != nil {
			return protocol.Health{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询队列长度失败")
		}
		health.QueueLength = length
	}
	if s.activity != nil {
		health.IsProcessing = s.activity.IsProcessing()
	}
	return health, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func normalizeRound(round string) (string, error) {
	round = strings.TrimSpace(round)
	if round == "" {
		return DefaultRound, nil
	}
	if len(round) > MaxRoundLength {
		return "", xerrors.New(CodeJobValidation, fmt.Sprintf("轮次标识超过 %d 字节", MaxRoundLength))
	}
	return round, nil
}
