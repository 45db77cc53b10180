package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"charaforge/internal/infrastructure/generator"
	"charaforge/internal/model"
	"charaforge/internal/repository"
	"charaforge/pkg/cost"
	"charaforge/pkg/idgen"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// ============================================================================
// 计费生成编排
// ============================================================================
//
// 每个生成接口都走同一个三段式 saga（不是数据库事务，外部调用可能要几十秒）：
//
//   1. Authorize  按消耗表计算价格，条件扣费；余额不足直接返回，不调用外部服务
//   2. Generate   调用外部生成服务，多图操作并发扇出
//   3. Settle     成功：保存图片、写历史（失败只记日志，不退款）
//                 失败：全额退款，返回 refunded 标记
//
// 每一步都记录在 generation_intent 里：
//   PENDING -> DEBITED -> SETTLED / REFUNDING -> REFUNDED，扣费被拒绝时 PENDING -> CANCELLED
// 进程在中途崩溃时，RecoverStale 根据意图状态和流水补偿退款。
// 退款流水按 (GENERATION_REFUND, 意图号) 唯一，正常流程和补偿任务同时退款也只会入账一次。
//
// ============================================================================

type ImageGenerator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Image, error)
}

type AssetStorage interface {
	Persist(ctx context.Context, userID, name string, data []byte, contentType string) (string, error)
}

type HistoryStore interface {
	Save(ctx context.Context, record *model.GenerationHistory) error
}

type IntentStore interface {
	Create(ctx context.Context, intent *model.GenerationIntent) error
	UpdateStatus(ctx context.Context, intentNo, fromStatus, toStatus, errMsg string) error
	GetStale(ctx context.Context, status string, before time.Time, limit int) ([]*model.GenerationIntent, error)
}

type EventQueue interface {
	Enqueue(ctx context.Context, topic, key string, event interface{}) error
}

type GenerationOptions struct {
	MaxImageBytes int
	MaxParallel   int
	// RunTimeout 生成阶段（调用外部服务 + 保存结果）的总时限，必须小于补偿任务的扫描阈值
	RunTimeout time.Duration
	EventTopic string
}

type GenerateRequest struct {
	UserID         string
	Kind           GenerationKind
	Tier           cost.ModelTier
	Prompt         string
	SourceImage    []byte
	SourceMimeType string
	Parts          []string // 只对 live2d_parts 生效，为空时使用默认部件
}

type GenerateResult struct {
	IntentNo string
	Kind     GenerationKind
	Tier     cost.ModelTier
	Cost     int64
	Asset    Asset
	Tokens   int64
}

// GenerationEvent 生成结果事件，投递到 Kafka
type GenerationEvent struct {
	IntentNo   string    `json:"intent_no"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Tier       string    `json:"tier"`
	Cost       int64     `json:"cost"`
	Status     string    `json:"status"`
	AssetCount int       `json:"asset_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

type GenerationService struct {
	ledger    *LedgerService
	intents   IntentStore
	journal   JournalReader
	generator ImageGenerator
	storage   AssetStorage // 可以为 nil，此时结果以 data URL 内联返回
	history   HistoryStore
	events    EventQueue
	opts      GenerationOptions
	now       func() time.Time
}

func NewGenerationService(
	ledger *LedgerService,
	intents IntentStore,
	journal JournalReader,
	gen ImageGenerator,
	storage AssetStorage,
	history HistoryStore,
	events EventQueue,
	opts GenerationOptions,
) *GenerationService {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 10 << 20
	}
	return &GenerationService{
		ledger:    ledger,
		intents:   intents,
		journal:   journal,
		generator: gen,
		storage:   storage,
		history:   history,
		events:    events,
		opts:      opts,
		now:       time.Now,
	}
}

// Generate 计费生成的唯一入口
//
// 返回的错误：
//   - ErrInvalidInput / ErrUnauthorized：没有任何副作用
//   - *InsufficientTokensError：没有扣费，也没有调用外部服务
//   - *GenerationError：已扣费，生成失败，Refunded 表示是否退款成功
func (s *GenerationService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	op, err := s.validate(&req)
	if err != nil {
		return nil, err
	}
	price := cost.Cost(op, req.Tier)

	// 客户端断开后扣费、生成、退款仍然要走完
	ctx = context.WithoutCancel(ctx)

	intent := &model.GenerationIntent{
		IntentNo: idgen.GenerateIntentNo(),
		UserID:   req.UserID,
		Kind:     string(req.Kind),
		Tier:     string(req.Tier),
		Cost:     price,
		Status:   model.IntentStatusPending,
	}
	if err := s.intents.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("写入生成意图失败: %w", err)
	}

	// ==================== Authorize ====================
	debit, err := s.ledger.Debit(ctx, req.UserID, price, Reason{
		Type:        model.TransactionTypeGenerationDebit,
		Operation:   intent.Kind,
		ExternalRef: intent.IntentNo,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientTokens):
			s.transition(ctx, intent.IntentNo, model.IntentStatusPending, model.IntentStatusCancelled, err.Error())
			return nil, &InsufficientTokensError{Tokens: debit.NewBalance, Required: price}
		case errors.Is(err, ErrAccountNotFound):
			s.transition(ctx, intent.IntentNo, model.IntentStatusPending, model.IntentStatusCancelled, err.Error())
			return nil, err
		}
		// 扣款结果未知，意图保持 PENDING，由补偿任务按流水判断
		return nil, err
	}

	if err := s.intents.UpdateStatus(ctx, intent.IntentNo, model.IntentStatusPending, model.IntentStatusDebited, ""); err != nil {
		// 没有持久化的 DEBITED 记录就不调用外部服务
		zap.L().Error("更新生成意图失败，立即退款",
			zap.String("intent_no", intent.IntentNo),
			zap.Error(err))
		return nil, s.refund(ctx, intent, model.IntentStatusPending, debit.NewBalance,
			fmt.Errorf("更新生成意图失败: %w", err))
	}

	// ==================== Generate ====================
	runCtx, cancel := s.runContext(ctx)
	asset, err := s.run(runCtx, req, intent)
	cancel()
	if err != nil {
		return nil, s.refund(ctx, intent, model.IntentStatusDebited, debit.NewBalance, err)
	}

	// ==================== Settle ====================
	if err := s.intents.UpdateStatus(ctx, intent.IntentNo, model.IntentStatusDebited, model.IntentStatusSettled, ""); err != nil {
		if errors.Is(err, repository.ErrIntentStatusInvalid) {
			// 补偿任务已经接管并退款，结果不能再交付
			return nil, s.abandoned(ctx, intent, debit.NewBalance)
		}
		// 状态写不进去时仍然交付，补偿任务之后会退款，偏向用户
		zap.L().Error("更新生成意图失败",
			zap.String("intent_no", intent.IntentNo),
			zap.String("to", model.IntentStatusSettled),
			zap.Error(err))
	}
	s.saveHistory(ctx, intent, asset)
	s.publish(ctx, intent, model.IntentStatusSettled, assetCount(asset))

	zap.L().Info("生成成功",
		zap.String("intent_no", intent.IntentNo),
		zap.String("user_id", req.UserID),
		zap.String("kind", intent.Kind),
		zap.Int64("cost", price),
		zap.Int("assets", assetCount(asset)))

	return &GenerateResult{
		IntentNo: intent.IntentNo,
		Kind:     req.Kind,
		Tier:     req.Tier,
		Cost:     price,
		Asset:    asset,
		Tokens:   debit.NewBalance,
	}, nil
}

var partNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

const (
	maxPromptLength = 2000
)

func (s *GenerationService) validate(req *GenerateRequest) (cost.OperationKind, error) {
	if req.UserID == "" {
		return "", ErrUnauthorized
	}
	op, ok := req.Kind.Operation()
	if !ok {
		return "", fmt.Errorf("%w: unknown generation kind %q", ErrInvalidInput, req.Kind)
	}
	if req.Tier == "" {
		req.Tier = cost.TierStandard
	}
	if !cost.ValidTier(req.Tier) {
		return "", fmt.Errorf("%w: unknown model tier %q", ErrInvalidInput, req.Tier)
	}
	if len(req.SourceImage) == 0 {
		return "", fmt.Errorf("%w: image is required", ErrInvalidInput)
	}
	if len(req.SourceImage) > s.opts.MaxImageBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidInput, s.opts.MaxImageBytes)
	}
	if req.SourceMimeType == "" {
		req.SourceMimeType = http.DetectContentType(req.SourceImage)
	}
	if !strings.HasPrefix(req.SourceMimeType, "image/") {
		return "", fmt.Errorf("%w: unsupported content type %q", ErrInvalidInput, req.SourceMimeType)
	}
	if len(req.Prompt) > maxPromptLength {
		return "", fmt.Errorf("%w: prompt is too long", ErrInvalidInput)
	}

	if req.Kind != KindLive2DParts {
		req.Parts = nil
		return op, nil
	}
	if len(req.Parts) == 0 {
		req.Parts = defaultLive2DParts
		return op, nil
	}
	seen := make(map[string]struct{}, len(req.Parts))
	parts := make([]string, 0, len(req.Parts))
	for _, p := range req.Parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if !partNamePattern.MatchString(p) {
			return "", fmt.Errorf("%w: invalid part name %q", ErrInvalidInput, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		parts = append(parts, p)
	}
	if len(parts) > cost.MaxLive2DParts {
		return "", fmt.Errorf("%w: at most %d parts", ErrInvalidInput, cost.MaxLive2DParts)
	}
	req.Parts = parts
	return op, nil
}

func (s *GenerationService) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RunTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.RunTimeout)
}

func (s *GenerationService) subRequest(req GenerateRequest, variant string) generator.Request {
	return generator.Request{
		Kind:           string(req.Kind),
		Variant:        variant,
		Prompt:         req.Prompt,
		Tier:           req.Tier,
		SourceImage:    req.SourceImage,
		SourceMimeType: req.SourceMimeType,
	}
}

// run 按生成类型调用外部服务并保存结果
func (s *GenerationService) run(ctx context.Context, req GenerateRequest, intent *model.GenerationIntent) (Asset, error) {
	switch req.Kind {
	case KindCharacterSheet:
		return s.runKeyed(ctx, req, intent, sheetViews)
	case KindExpressions:
		return s.runKeyed(ctx, req, intent, expressionVariants)
	case KindLive2DParts:
		return s.runParts(ctx, req, intent)
	}

	img, err := s.generator.Generate(ctx, s.subRequest(req, ""))
	if err != nil {
		return nil, err
	}
	return SingleAsset{URL: s.store(ctx, req.UserID, string(req.Kind), img)}, nil
}

// runKeyed 四张图全部成功才算成功，任何一张失败都整体失败并全额退款
func (s *GenerationService) runKeyed(ctx context.Context, req GenerateRequest, intent *model.GenerationIntent, variants []string) (Asset, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)

	images := make([]*generator.Image, len(variants))
	for i, variant := range variants {
		g.Go(func() error {
			img, err := s.generator.Generate(gctx, s.subRequest(req, variant))
			if err != nil {
				return fmt.Errorf("%s: %w", variant, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zap.L().Warn("多图生成失败",
			zap.String("intent_no", intent.IntentNo),
			zap.String("kind", intent.Kind),
			zap.Error(err))
		return nil, err
	}

	keyed := KeyedAsset{Images: make(map[string]string, len(variants))}
	for i, variant := range variants {
		keyed.Images[variant] = s.store(ctx, req.UserID, string(req.Kind)+"-"+variant, images[i])
	}
	return keyed, nil
}

// runParts 部件拆分容忍部分失败，只要有一个部件成功就按固定价格结算
func (s *GenerationService) runParts(ctx context.Context, req GenerateRequest, intent *model.GenerationIntent) (Asset, error) {
	var g errgroup.Group
	g.SetLimit(s.opts.MaxParallel)

	images := make([]*generator.Image, len(req.Parts))
	errs := make([]error, len(req.Parts))
	for i, part := range req.Parts {
		g.Go(func() error {
			images[i], errs[i] = s.generator.Generate(ctx, s.subRequest(req, part))
			return nil
		})
	}
	_ = g.Wait()

	result := PartsAsset{}
	for i, part := range req.Parts {
		if errs[i] != nil {
			result.Failed = append(result.Failed, part)
			continue
		}
		result.Parts = append(result.Parts, Part{
			Name: part,
			URL:  s.store(ctx, req.UserID, string(req.Kind)+"-"+part, images[i]),
		})
	}

	if len(result.Parts) == 0 {
		return nil, fmt.Errorf("所有部件生成失败: %w", errors.Join(errs...))
	}
	if len(result.Failed) > 0 {
		zap.L().Warn("部分部件生成失败",
			zap.String("intent_no", intent.IntentNo),
			zap.Strings("failed", result.Failed),
			zap.Int("succeeded", len(result.Parts)))
	}
	return result, nil
}

// store 上传失败不影响结算，改为 data URL 内联返回
func (s *GenerationService) store(ctx context.Context, userID, name string, img *generator.Image) string {
	if s.storage != nil {
		url, err := s.storage.Persist(ctx, userID, name, img.Data, img.MimeType)
		if err == nil {
			return url
		}
		zap.L().Warn("保存生成结果失败，改为内联返回",
			zap.String("user_id", userID),
			zap.String("name", name),
			zap.Error(err))
	}
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func (s *GenerationService) saveHistory(ctx context.Context, intent *model.GenerationIntent, asset Asset) {
	if s.history == nil {
		return
	}
	payload, err := MarshalAsset(asset)
	if err != nil {
		zap.L().Warn("序列化生成结果失败", zap.String("intent_no", intent.IntentNo), zap.Error(err))
		return
	}
	record := &model.GenerationHistory{
		UserID:   intent.UserID,
		IntentNo: intent.IntentNo,
		Kind:     intent.Kind,
		Tier:     intent.Tier,
		Cost:     intent.Cost,
		Assets:   datatypes.JSON(payload),
	}
	if err := s.history.Save(ctx, record); err != nil {
		zap.L().Warn("保存生成历史失败",
			zap.String("intent_no", intent.IntentNo),
			zap.String("user_id", intent.UserID),
			zap.Error(err))
	}
}

// refund 退款并构造 GenerationError
//
// 先把意图从 fromStatus 抢到 REFUNDING，结算方就不能再交付。抢不到说明补偿任务已经接管，
// 这里仍然尝试入账：(类型, 意图号) 唯一索引保证最多退一次，已退过时只读取余额。
// 入账失败时意图停在 REFUNDING（或原状态），补偿任务会再试。
func (s *GenerationService) refund(ctx context.Context, intent *model.GenerationIntent, fromStatus string, balance int64, cause error) *GenerationError {
	genErr := &GenerationError{
		UserMessage: userMessage(cause),
		Details:     cause.Error(),
		Tokens:      balance,
	}

	claimed := true
	if err := s.intents.UpdateStatus(ctx, intent.IntentNo, fromStatus, model.IntentStatusRefunding, cause.Error()); err != nil {
		claimed = false
		zap.L().Warn("抢占退款状态失败，仍按幂等方式退款",
			zap.String("intent_no", intent.IntentNo),
			zap.String("from", fromStatus),
			zap.Error(err))
	}

	credit, err := s.creditRefund(ctx, intent)
	if err != nil {
		zap.L().Error("生成失败且退款失败，等待补偿任务重试",
			zap.String("intent_no", intent.IntentNo),
			zap.String("user_id", intent.UserID),
			zap.Int64("cost", intent.Cost),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return genErr
	}

	genErr.Tokens = credit
	genErr.Refunded = true
	if !claimed {
		return genErr
	}

	s.transition(ctx, intent.IntentNo, model.IntentStatusRefunding, model.IntentStatusRefunded, "")
	s.publish(ctx, intent, model.IntentStatusRefunded, 0)

	zap.L().Warn("生成失败，已退款",
		zap.String("intent_no", intent.IntentNo),
		zap.String("user_id", intent.UserID),
		zap.Int64("cost", intent.Cost),
		zap.Error(cause))
	return genErr
}

// creditRefund 写退款流水，已经退过时返回当前余额
func (s *GenerationService) creditRefund(ctx context.Context, intent *model.GenerationIntent) (int64, error) {
	credit, err := s.ledger.Credit(ctx, intent.UserID, intent.Cost, Reason{
		Type:        model.TransactionTypeGenerationRefund,
		Operation:   intent.Kind,
		ExternalRef: intent.IntentNo,
	})
	if err == nil {
		return credit.NewBalance, nil
	}
	if errors.Is(err, ErrAlreadyRecorded) {
		return s.ledger.GetBalance(ctx, intent.UserID)
	}
	return 0, err
}

// abandoned 生成完成时意图已经被补偿任务抢到 REFUNDING，本次结果作废。
// 补偿任务可能还没入账，这里幂等地补一次。
func (s *GenerationService) abandoned(ctx context.Context, intent *model.GenerationIntent, balance int64) *GenerationError {
	zap.L().Error("生成超出补偿阈值，意图已转入退款，结果作废",
		zap.String("intent_no", intent.IntentNo),
		zap.String("user_id", intent.UserID),
		zap.Int64("cost", intent.Cost))

	genErr := &GenerationError{
		UserMessage: msgGenerationFailed,
		Details:     errGenerationTakenOver.Error(),
		Tokens:      balance,
	}
	credit, err := s.creditRefund(ctx, intent)
	if err != nil {
		zap.L().Error("作废结果的退款失败，等待补偿任务重试",
			zap.String("intent_no", intent.IntentNo),
			zap.Error(err))
		return genErr
	}
	genErr.Tokens = credit
	genErr.Refunded = true
	return genErr
}

var errGenerationTakenOver = errors.New("generation outlived the recovery window and was refunded")

func (s *GenerationService) transition(ctx context.Context, intentNo, from, to, errMsg string) {
	if err := s.intents.UpdateStatus(ctx, intentNo, from, to, errMsg); err != nil {
		zap.L().Error("更新生成意图失败",
			zap.String("intent_no", intentNo),
			zap.String("from", from),
			zap.String("to", to),
			zap.Error(err))
	}
}

func (s *GenerationService) publish(ctx context.Context, intent *model.GenerationIntent, status string, assets int) {
	if s.events == nil || s.opts.EventTopic == "" {
		return
	}
	event := GenerationEvent{
		IntentNo:   intent.IntentNo,
		UserID:     intent.UserID,
		Kind:       intent.Kind,
		Tier:       intent.Tier,
		Cost:       intent.Cost,
		Status:     status,
		AssetCount: assets,
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.Enqueue(ctx, s.opts.EventTopic, intent.IntentNo, event); err != nil {
		zap.L().Warn("写入生成事件失败", zap.String("intent_no", intent.IntentNo), zap.Error(err))
	}
}

// ============================================================================
// 崩溃补偿
// ============================================================================

// RecoverStale 处理 before 之前就停在 PENDING/DEBITED/REFUNDING 的意图，返回处理成功的条数
//
//   - PENDING 且没有扣费流水：CANCELLED
//   - PENDING 且有扣费流水、DEBITED：抢到 REFUNDING 后退款，然后 REFUNDED
//   - REFUNDING：上次退款没有完成，补退款（已退过则只补状态），然后 REFUNDED
//
// 抢占失败说明正常流程刚好结算或退款，跳过不计数。
// before 必须比生成阶段的总时限早，否则会抢走仍在生成中的请求。
func (s *GenerationService) RecoverStale(ctx context.Context, before time.Time, limit int) (int, error) {
	recovered := 0
	for _, status := range []string{model.IntentStatusPending, model.IntentStatusDebited, model.IntentStatusRefunding} {
		intents, err := s.intents.GetStale(ctx, status, before, limit)
		if err != nil {
			return recovered, fmt.Errorf("查询遗留意图失败: %w", err)
		}
		for _, intent := range intents {
			err := s.recoverIntent(ctx, intent)
			switch {
			case err == nil:
				recovered++
			case errors.Is(err, repository.ErrIntentStatusInvalid):
				zap.L().Info("意图已被正常流程处理，跳过补偿",
					zap.String("intent_no", intent.IntentNo),
					zap.String("status", intent.Status))
			default:
				zap.L().Error("意图补偿失败",
					zap.String("intent_no", intent.IntentNo),
					zap.String("status", intent.Status),
					zap.Error(err))
			}
		}
	}
	return recovered, nil
}

func (s *GenerationService) recoverIntent(ctx context.Context, intent *model.GenerationIntent) error {
	if intent.Status == model.IntentStatusPending {
		debit, err := s.journal.GetByExternalRef(ctx, model.TransactionTypeGenerationDebit, intent.IntentNo)
		if err != nil {
			return fmt.Errorf("查询扣费流水失败: %w", err)
		}
		if debit == nil {
			return s.intents.UpdateStatus(ctx, intent.IntentNo,
				model.IntentStatusPending, model.IntentStatusCancelled, "recovered: no debit recorded")
		}
	}

	if intent.Status != model.IntentStatusRefunding {
		if err := s.intents.UpdateStatus(ctx, intent.IntentNo,
			intent.Status, model.IntentStatusRefunding, "recovered after interruption"); err != nil {
			return err
		}
	}

	if _, err := s.creditRefund(ctx, intent); err != nil {
		return fmt.Errorf("补偿退款失败: %w", err)
	}

	if err := s.intents.UpdateStatus(ctx, intent.IntentNo,
		model.IntentStatusRefunding, model.IntentStatusRefunded, ""); err != nil {
		return err
	}
	s.publish(ctx, intent, model.IntentStatusRefunded, 0)

	zap.L().Warn("意图已补偿退款",
		zap.String("intent_no", intent.IntentNo),
		zap.String("user_id", intent.UserID),
		zap.String("from", intent.Status),
		zap.Int64("cost", intent.Cost))
	return nil
}
