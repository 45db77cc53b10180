package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"charaforge/internal/infrastructure/generator"
	"charaforge/internal/model"
	"charaforge/pkg/cost"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type genFixture struct {
	svc     *GenerationService
	store   *fakeLedgerStore
	intents *fakeIntentStore
	gen     *fakeGenerator
	storage *fakeStorage
	history *fakeHistory
	events  *fakeEvents
}

func newGenFixture(balance int64) *genFixture {
	store := newFakeLedgerStore()
	store.seed("u1", "u1@example.com", balance)
	f := &genFixture{
		store:   store,
		intents: newFakeIntentStore(),
		gen:     &fakeGenerator{},
		storage: &fakeStorage{},
		history: &fakeHistory{},
		events:  &fakeEvents{},
	}
	ledger := NewLedgerService(store, store, 0)
	f.svc = NewGenerationService(ledger, f.intents, store, f.gen, f.storage, f.history, f.events,
		GenerationOptions{MaxImageBytes: 1024, EventTopic: "generation-events"})
	return f
}

func (f *genFixture) refunds(userID string) int {
	n := 0
	for _, e := range f.store.entriesFor(userID) {
		if e.Type == model.TransactionTypeGenerationRefund {
			n++
		}
	}
	return n
}

func request(kind GenerationKind) GenerateRequest {
	return GenerateRequest{
		UserID:         "u1",
		Kind:           kind,
		Tier:           cost.TierStandard,
		SourceImage:    testPNG,
		SourceMimeType: "image/png",
	}
}

func failVariant(variant string, err error) func(req generator.Request) error {
	return func(req generator.Request) error {
		if req.Variant == variant {
			return err
		}
		return nil
	}
}

func TestGenerate_SingleImageSuccess(t *testing.T) {
	f := newGenFixture(5)

	result, err := f.svc.Generate(context.Background(), request(KindConceptArt))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Cost)
	assert.Equal(t, int64(4), result.Tokens)
	assert.Equal(t, int64(4), f.store.balance("u1"))

	single, ok := result.Asset.(SingleAsset)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.test/u1/concept_art", single.URL)

	intent := f.intents.only()
	require.NotNil(t, intent)
	assert.Equal(t, model.IntentStatusSettled, intent.Status)
	assert.Equal(t, result.IntentNo, intent.IntentNo)

	require.Len(t, f.history.records, 1)
	assert.Equal(t, result.IntentNo, f.history.records[0].IntentNo)
	var stored struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(f.history.records[0].Assets, &stored))
	assert.Equal(t, "single", stored.Type)

	entries := f.store.entriesFor("u1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.TransactionTypeGenerationDebit, entries[0].Type)
	assert.Equal(t, "concept_art", entries[0].Operation)
	require.NotNil(t, entries[0].ExternalRef)
	assert.Equal(t, result.IntentNo, *entries[0].ExternalRef)
}

func TestGenerate_ProTierCharge(t *testing.T) {
	f := newGenFixture(10)

	req := request(KindCharacterSheet)
	req.Tier = cost.TierPro
	result, err := f.svc.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(6), result.Cost)
	assert.Equal(t, int64(4), f.store.balance("u1"))
}

func TestGenerate_CharacterSheetReturnsAllViews(t *testing.T) {
	f := newGenFixture(4)

	result, err := f.svc.Generate(context.Background(), request(KindCharacterSheet))
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Tokens)

	keyed, ok := result.Asset.(KeyedAsset)
	require.True(t, ok)
	assert.Len(t, keyed.Images, 4)
	for _, view := range []string{"front", "side", "back", "three_quarter"} {
		assert.Contains(t, keyed.Images, view)
	}
	assert.Equal(t, int32(4), f.gen.calls.Load())
}

func TestGenerate_FailureRefundsAndRestoresBalance(t *testing.T) {
	f := newGenFixture(5)
	f.gen.fail = func(req generator.Request) error {
		return &generator.ProviderError{StatusCode: http.StatusInternalServerError, Message: "model overloaded: shard-7 OOM"}
	}

	result, err := f.svc.Generate(context.Background(), request(KindPose))
	assert.Nil(t, result)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.True(t, genErr.Refunded)
	assert.Equal(t, int64(5), genErr.Tokens)
	assert.Equal(t, msgGenerationFailed, genErr.UserMessage)
	assert.NotContains(t, genErr.UserMessage, "shard-7")
	assert.Contains(t, genErr.Details, "shard-7")

	assert.Equal(t, int64(5), f.store.balance("u1"))
	entries := f.store.entriesFor("u1")
	require.Len(t, entries, 2)
	assert.Equal(t, model.TransactionTypeGenerationRefund, entries[1].Type)
	assert.Equal(t, int64(0), entries[0].Amount+entries[1].Amount)

	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)
	assert.Empty(t, f.history.records)
}

func TestGenerate_AllOrNothingKindsRefundOnSinglePartialFailure(t *testing.T) {
	for _, kind := range []GenerationKind{KindCharacterSheet, KindExpressions} {
		f := newGenFixture(4)
		variant := "back"
		if kind == KindExpressions {
			variant = "sad"
		}
		f.gen.fail = failVariant(variant, errors.New("timeout"))

		_, err := f.svc.Generate(context.Background(), request(kind))

		var genErr *GenerationError
		require.ErrorAs(t, err, &genErr, kind)
		assert.True(t, genErr.Refunded, kind)
		assert.Equal(t, int64(4), genErr.Tokens, kind)
		assert.Equal(t, int64(4), f.store.balance("u1"), kind)
		assert.Zero(t, f.storage.persisted(), "no partial asset may be persisted for %s", kind)
		assert.Empty(t, f.history.records, kind)
	}
}

func TestGenerate_Live2DToleratesPartialFailure(t *testing.T) {
	f := newGenFixture(5)
	f.gen.fail = func(req generator.Request) error {
		if req.Variant == "eyes" || req.Variant == "arms" {
			return errors.New("segmentation failed")
		}
		return nil
	}

	result, err := f.svc.Generate(context.Background(), request(KindLive2DParts))
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Cost)
	assert.Equal(t, int64(0), result.Tokens)

	parts, ok := result.Asset.(PartsAsset)
	require.True(t, ok)
	assert.Len(t, parts.Parts, 5)
	assert.ElementsMatch(t, []string{"eyes", "arms"}, parts.Failed)
	assert.Equal(t, "hair_front", parts.Parts[0].Name)
	assert.Equal(t, model.IntentStatusSettled, f.intents.only().Status)
}

func TestGenerate_Live2DAllPartsFailRefunds(t *testing.T) {
	f := newGenFixture(5)
	f.gen.fail = func(req generator.Request) error { return errors.New("segmentation failed") }

	req := request(KindLive2DParts)
	req.Parts = []string{"Face", "face", "body"}
	_, err := f.svc.Generate(context.Background(), req)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Refunded)
	assert.Equal(t, int64(5), f.store.balance("u1"))
	// 重复部件名被去重
	assert.Equal(t, int32(2), f.gen.calls.Load())
}

func TestGenerate_InsufficientTokensSkipsGeneration(t *testing.T) {
	f := newGenFixture(3)

	_, err := f.svc.Generate(context.Background(), request(KindExpressions))

	var insufficient *InsufficientTokensError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ErrInsufficientTokens)
	assert.Equal(t, int64(3), insufficient.Tokens)
	assert.Equal(t, int64(4), insufficient.Required)

	assert.Zero(t, f.gen.calls.Load())
	assert.Equal(t, int64(3), f.store.balance("u1"))
	assert.Equal(t, model.IntentStatusCancelled, f.intents.only().Status)
}

func TestGenerate_InvalidInputHasNoSideEffects(t *testing.T) {
	f := newGenFixture(5)
	ctx := context.Background()

	cases := map[string]func(r *GenerateRequest){
		"unknown kind":  func(r *GenerateRequest) { r.Kind = "video" },
		"unknown tier":  func(r *GenerateRequest) { r.Tier = "ultra" },
		"missing image": func(r *GenerateRequest) { r.SourceImage = nil },
		"too large":     func(r *GenerateRequest) { r.SourceImage = make([]byte, 2048) },
		"not an image":  func(r *GenerateRequest) { r.SourceMimeType = "application/pdf" },
		"bad part name": func(r *GenerateRequest) { r.Kind = KindLive2DParts; r.Parts = []string{"../etc"} },
		"long prompt":   func(r *GenerateRequest) { r.Prompt = strings.Repeat("x", maxPromptLength+1) },
	}
	for name, mutate := range cases {
		req := request(KindPose)
		mutate(&req)
		_, err := f.svc.Generate(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}

	req := request(KindPose)
	req.UserID = ""
	_, err := f.svc.Generate(ctx, req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Zero(t, f.intents.count())
	assert.Zero(t, f.gen.calls.Load())
	assert.Equal(t, int64(5), f.store.balance("u1"))
}

func TestGenerate_StorageFailureFallsBackToInlineData(t *testing.T) {
	f := newGenFixture(5)
	f.storage.err = errors.New("s3 unavailable")

	result, err := f.svc.Generate(context.Background(), request(KindPose))
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Tokens)

	single := result.Asset.(SingleAsset)
	assert.True(t, strings.HasPrefix(single.URL, "data:image/png;base64,"))
	assert.Equal(t, model.IntentStatusSettled, f.intents.only().Status)
}

func TestGenerate_HistoryFailureIsNotFatal(t *testing.T) {
	f := newGenFixture(5)
	f.history.err = errors.New("history down")

	result, err := f.svc.Generate(context.Background(), request(KindPose))
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Tokens)
	assert.Equal(t, int64(4), f.store.balance("u1"))
}

func TestGenerate_UserCorrectableMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&generator.ProviderError{StatusCode: http.StatusRequestEntityTooLarge, Message: "x"}, msgImageTooLarge},
		{&generator.ProviderError{StatusCode: http.StatusUnsupportedMediaType, Message: "x"}, msgUnsupportedImage},
		{&generator.ProviderError{StatusCode: 400, Message: "Unsupported image type: image/tiff"}, msgUnsupportedImage},
		{&generator.ProviderError{StatusCode: 400, Message: "画像サイズが大きすぎます"}, msgImageTooLarge},
		{&generator.ProviderError{StatusCode: 400, Message: "この画像形式には対応していません"}, msgUnsupportedImage},
		{errors.New("connection reset by peer"), msgGenerationFailed},
	}
	for _, tc := range cases {
		f := newGenFixture(5)
		providerErr := tc.err
		f.gen.fail = func(req generator.Request) error { return providerErr }

		_, err := f.svc.Generate(context.Background(), request(KindPose))
		var genErr *GenerationError
		require.ErrorAs(t, err, &genErr)
		assert.Equal(t, tc.want, genErr.UserMessage, tc.err.Error())
	}
}

func TestGenerate_RefundFailureIsReportedAndRecoveredLater(t *testing.T) {
	f := newGenFixture(5)
	f.gen.fail = func(req generator.Request) error { return errors.New("boom") }
	f.store.setCreditErr(errors.New("db down"))

	_, err := f.svc.Generate(context.Background(), request(KindPose))
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.False(t, genErr.Refunded)
	assert.Equal(t, int64(4), genErr.Tokens)
	assert.Equal(t, model.IntentStatusRefunding, f.intents.only().Status)

	// 恢复后补偿任务退款
	f.store.setCreditErr(nil)
	n, err := f.svc.RecoverStale(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), f.store.balance("u1"))
	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)

	// 再跑一次不会重复退款
	n, err = f.svc.RecoverStale(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(5), f.store.balance("u1"))
}

func TestGenerate_IntentUpdateFailureRefundsBeforeCallingProvider(t *testing.T) {
	f := newGenFixture(5)
	f.intents.failTo = model.IntentStatusDebited

	_, err := f.svc.Generate(context.Background(), request(KindPose))
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Refunded)
	assert.Zero(t, f.gen.calls.Load())
	assert.Equal(t, int64(5), f.store.balance("u1"))

	// 直接从 PENDING 抢到 REFUNDING 完成退款，补偿任务无事可做
	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)
	f.intents.failTo = ""
	n, err := f.svc.RecoverStale(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.refunds("u1"))
}

func TestGenerate_RefundClaimFailureStillRefundsOnce(t *testing.T) {
	f := newGenFixture(5)
	f.gen.fail = func(req generator.Request) error { return errors.New("boom") }
	f.intents.failTo = model.IntentStatusRefunding

	_, err := f.svc.Generate(context.Background(), request(KindPose))
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Refunded)
	assert.Equal(t, int64(5), genErr.Tokens)
	assert.Equal(t, model.IntentStatusDebited, f.intents.only().Status)

	// 补偿任务看到的是 DEBITED，退款流水已存在，只补状态
	f.intents.failTo = ""
	n, err := f.svc.RecoverStale(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), f.store.balance("u1"))
	assert.Equal(t, 1, f.refunds("u1"))
	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)
}

// startBlocked 发起一次会卡在外部调用上的生成，返回时外部调用已经开始
func (f *genFixture) startBlocked(kind GenerationKind) <-chan error {
	f.gen.entered = make(chan struct{}, 1)
	f.gen.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Generate(context.Background(), request(kind))
		done <- err
	}()
	<-f.gen.entered
	return done
}

func TestRecoverStale_InFlightFailureRefundsOnce(t *testing.T) {
	f := newGenFixture(10)
	f.gen.fail = func(req generator.Request) error { return errors.New("provider timeout") }
	done := f.startBlocked(KindPose)
	assert.Equal(t, int64(9), f.store.balance("u1"))

	// 生成还没返回，补偿任务已经把它当成遗留意图
	n, err := f.svc.RecoverStale(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(10), f.store.balance("u1"))

	close(f.gen.gate)
	var genErr *GenerationError
	require.ErrorAs(t, <-done, &genErr)
	assert.True(t, genErr.Refunded)
	assert.Equal(t, int64(10), genErr.Tokens)

	assert.Equal(t, int64(10), f.store.balance("u1"))
	assert.Equal(t, 1, f.refunds("u1"))
	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)
}

func TestRecoverStale_InFlightSuccessIsNotDelivered(t *testing.T) {
	f := newGenFixture(10)
	done := f.startBlocked(KindPose)

	n, err := f.svc.RecoverStale(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(f.gen.gate)
	var genErr *GenerationError
	require.ErrorAs(t, <-done, &genErr)
	assert.True(t, genErr.Refunded)
	assert.Equal(t, int64(10), genErr.Tokens)

	// 已经退款的意图不能再交付结果
	assert.Empty(t, f.history.records)
	assert.Equal(t, int64(10), f.store.balance("u1"))
	assert.Equal(t, 1, f.refunds("u1"))
	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)
}

func TestGenerate_RunTimeoutRefunds(t *testing.T) {
	f := newGenFixture(5)
	f.svc.opts.RunTimeout = 20 * time.Millisecond
	f.gen.gate = make(chan struct{})

	_, err := f.svc.Generate(context.Background(), request(KindCharacterSheet))
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Refunded)
	assert.Contains(t, genErr.Details, context.DeadlineExceeded.Error())
	assert.Equal(t, int64(5), f.store.balance("u1"))
	assert.Equal(t, model.IntentStatusRefunded, f.intents.only().Status)
}

func TestRecoverStale_PendingWithoutDebitIsCancelled(t *testing.T) {
	f := newGenFixture(5)
	ctx := context.Background()
	require.NoError(t, f.intents.Create(ctx, &model.GenerationIntent{
		IntentNo: "GEN-orphan",
		UserID:   "u1",
		Kind:     string(KindPose),
		Tier:     string(cost.TierStandard),
		Cost:     1,
		Status:   model.IntentStatusPending,
	}))

	// 还没过期的不处理
	n, err := f.svc.RecoverStale(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.RecoverStale(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.IntentStatusCancelled, f.intents.only().Status)
	assert.Equal(t, int64(5), f.store.balance("u1"))
}

func TestGenerate_PublishesEvents(t *testing.T) {
	f := newGenFixture(5)

	_, err := f.svc.Generate(context.Background(), request(KindPose))
	require.NoError(t, err)
	require.Len(t, f.events.events, 1)
	event := f.events.events[0].(GenerationEvent)
	assert.Equal(t, model.IntentStatusSettled, event.Status)
	assert.Equal(t, 1, event.AssetCount)
}

func TestGenerate_CancelledContextStillSettles(t *testing.T) {
	f := newGenFixture(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.gen.fail = nil
	result, err := f.svc.Generate(ctx, request(KindExpressions))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Tokens)
}
