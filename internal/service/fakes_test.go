package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"charaforge/internal/infrastructure/generator"
	"charaforge/internal/model"
	"charaforge/internal/repository"

	"github.com/go-redis/redis/v8"
)

// ==================== 账户 + 流水 ====================

// fakeLedgerStore 内存版账户表和流水表，扣减语义和条件 UPDATE 一致
type fakeLedgerStore struct {
	mu        sync.Mutex
	accounts  map[string]*model.Account
	entries   []*model.AccountTransaction
	creditErr error
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{accounts: map[string]*model.Account{}}
}

func (f *fakeLedgerStore) seed(userID, rawEmail string, tokens int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[userID] = &model.Account{
		UserID:         userID,
		RawEmail:       rawEmail,
		CanonicalEmail: mustNormalize(rawEmail),
		Tokens:         tokens,
	}
}

func (f *fakeLedgerStore) balance(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[userID].Tokens
}

func (f *fakeLedgerStore) entriesFor(userID string) []*model.AccountTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AccountTransaction
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLedgerStore) GetByUserID(ctx context.Context, userID string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeLedgerStore) GetByCanonicalEmail(ctx context.Context, canonical string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.CanonicalEmail == canonical {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeLedgerStore) CreateIfAbsent(ctx context.Context, account *model.Account, bonus *model.AccountTransaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.UserID == account.UserID || a.CanonicalEmail == account.CanonicalEmail {
			return false, nil
		}
	}
	cp := *account
	f.accounts[account.UserID] = &cp
	if bonus != nil && account.Tokens > 0 {
		bonus.UserID = account.UserID
		bonus.Amount = account.Tokens
		bonus.BalanceAfter = account.Tokens
		f.entries = append(f.entries, bonus)
	}
	return true, nil
}

// duplicateLocked 模拟 (type, external_ref) 唯一索引，调用方持有锁
func (f *fakeLedgerStore) duplicateLocked(entry *model.AccountTransaction) bool {
	if entry.ExternalRef == nil {
		return false
	}
	for _, e := range f.entries {
		if e.Type == entry.Type && e.ExternalRef != nil && *e.ExternalRef == *entry.ExternalRef {
			return true
		}
	}
	return false
}

func (f *fakeLedgerStore) Debit(ctx context.Context, userID string, amount int64, entry *model.AccountTransaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[userID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	if f.duplicateLocked(entry) {
		return 0, repository.ErrEntryExists
	}
	if a.Tokens < amount {
		return a.Tokens, repository.ErrBalanceNotEnough
	}
	a.Tokens -= amount
	a.Version++
	entry.UserID = userID
	entry.Amount = -amount
	entry.BalanceBefore = a.Tokens + amount
	entry.BalanceAfter = a.Tokens
	entry.CreatedAt = time.Now()
	f.entries = append(f.entries, entry)
	return a.Tokens, nil
}

func (f *fakeLedgerStore) Credit(ctx context.Context, userID string, amount int64, entry *model.AccountTransaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		return 0, f.creditErr
	}
	a, ok := f.accounts[userID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	if f.duplicateLocked(entry) {
		return 0, repository.ErrEntryExists
	}
	a.Tokens += amount
	a.Version++
	entry.UserID = userID
	entry.Amount = amount
	entry.BalanceBefore = a.Tokens - amount
	entry.BalanceAfter = a.Tokens
	entry.CreatedAt = time.Now()
	f.entries = append(f.entries, entry)
	return a.Tokens, nil
}

func (f *fakeLedgerStore) setCreditErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditErr = err
}

func (f *fakeLedgerStore) GetByExternalRef(ctx context.Context, txType, ref string) (*model.AccountTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Type == txType && e.ExternalRef != nil && *e.ExternalRef == ref {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeLedgerStore) ExistsByOperation(ctx context.Context, userID, txType, operation string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.UserID == userID && e.Type == txType && e.Operation == operation {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedgerStore) CountByTypeSince(ctx context.Context, userID, txType string, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if e.UserID == userID && e.Type == txType && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedgerStore) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	all := f.entriesFor(userID)
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, int64(len(all)), nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

// ==================== 生成意图 ====================

type fakeIntentStore struct {
	mu      sync.Mutex
	intents map[string]*model.GenerationIntent
	// 非空时 UpdateStatus 迁移到该状态会失败
	failTo string
}

func newFakeIntentStore() *fakeIntentStore {
	return &fakeIntentStore{intents: map[string]*model.GenerationIntent{}}
}

func (f *fakeIntentStore) Create(ctx context.Context, intent *model.GenerationIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *intent
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.intents[intent.IntentNo] = &cp
	return nil
}

func (f *fakeIntentStore) UpdateStatus(ctx context.Context, intentNo, from, to, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo == to {
		return errors.New("db unavailable")
	}
	intent, ok := f.intents[intentNo]
	if !ok {
		return repository.ErrIntentNotFound
	}
	if intent.Status != from || !model.CanIntentTransitionTo(from, to) {
		return repository.ErrIntentStatusInvalid
	}
	intent.Status = to
	if errMsg != "" {
		intent.Error = errMsg
	}
	intent.UpdatedAt = time.Now()
	return nil
}

func (f *fakeIntentStore) GetStale(ctx context.Context, status string, before time.Time, limit int) ([]*model.GenerationIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.GenerationIntent
	for _, intent := range f.intents {
		if intent.Status == status && intent.UpdatedAt.Before(before) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntentNo < out[j].IntentNo })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIntentStore) only() *model.GenerationIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, intent := range f.intents {
		cp := *intent
		return &cp
	}
	return nil
}

func (f *fakeIntentStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

// ==================== 外部协作者 ====================

type fakeGenerator struct {
	calls atomic.Int32
	// 按 Variant 决定结果，nil 表示全部成功
	fail func(req generator.Request) error
	// 非空时每次调用先通知 entered，再等 gate 关闭或 ctx 结束
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, req generator.Request) (*generator.Image, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return nil, err
		}
	}
	return &generator.Image{Data: []byte("png:" + req.Variant), MimeType: "image/png"}, nil
}

type fakeStorage struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeStorage) Persist(ctx context.Context, userID, name string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	return fmt.Sprintf("https://cdn.test/%s/%s", userID, name), nil
}

func (f *fakeStorage) persisted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []*model.GenerationHistory
	err     error
}

func (f *fakeHistory) Save(ctx context.Context, record *model.GenerationHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []interface{}
}

func (f *fakeEvents) Enqueue(ctx context.Context, topic, key string, event interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// ==================== 登录防爆破 ====================

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []*model.LoginAttempt
	err      error
}

func (f *fakeAttemptStore) Create(ctx context.Context, attempt *model.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	// 和 MySQL 严格模式下的 utf8mb4 列一样拒绝非法字节和超长值
	for _, v := range []struct {
		s   string
		max int
	}{{attempt.Email, 254}, {attempt.IPAddress, 64}, {attempt.UserAgent, 512}} {
		if !utf8.ValidString(v.s) || len(v.s) > v.max {
			return fmt.Errorf("incorrect string value for column: %q", v.s)
		}
	}
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeAttemptStore) count(match func(a *model.LoginAttempt) bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.attempts {
		if match(a) {
			n++
		}
	}
	return n
}

func (f *fakeAttemptStore) CountFailuresByEmailSince(ctx context.Context, email string, since time.Time) (int64, error) {
	return f.count(func(a *model.LoginAttempt) bool {
		return a.Email == email && !a.Success && !a.CreatedAt.Before(since)
	}), nil
}

func (f *fakeAttemptStore) CountFailuresByIPSince(ctx context.Context, ip string, since time.Time) (int64, error) {
	return f.count(func(a *model.LoginAttempt) bool {
		return a.IPAddress == ip && !a.Success && !a.CreatedAt.Before(since)
	}), nil
}

func (f *fakeAttemptStore) DeleteFailuresByEmail(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attempts[:0]
	for _, a := range f.attempts {
		if a.Email == email && !a.Success {
			continue
		}
		kept = append(kept, a)
	}
	f.attempts = kept
	return nil
}

type fakeLockStore struct {
	mu    sync.Mutex
	locks map[string]*model.AccountLock
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{locks: map[string]*model.AccountLock{}}
}

func (f *fakeLockStore) Get(ctx context.Context, email string) (*model.AccountLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[email]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLockStore) Upsert(ctx context.Context, lock *model.AccountLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *lock
	f.locks[lock.Email] = &cp
	return nil
}

func (f *fakeLockStore) Delete(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, email)
	return nil
}

// ==================== 限流 ====================

type fakeRateStore struct {
	mu      sync.Mutex
	records map[string][]time.Time
	err     error
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{records: map[string][]time.Time{}}
}

// Admit 和 Lua 脚本一样在一把锁里完成清理、计数、追加
func (f *fakeRateStore) Admit(ctx context.Context, class, identifier string, now time.Time, window time.Duration, max int) (repository.WindowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return repository.WindowResult{}, f.err
	}
	key := class + ":" + identifier
	windowStart := now.Add(-window)
	var kept []time.Time
	for _, t := range f.records[key] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	res := repository.WindowResult{Count: int64(len(kept))}
	if len(kept) > 0 {
		res.Oldest = kept[0]
	}
	if len(kept) < max {
		kept = append(kept, now)
		res.Allowed = true
	}
	f.records[key] = kept
	return res, nil
}

type fakeBlocklist struct {
	blocked map[string]*model.BlockedIP
	err     error
}

func (f *fakeBlocklist) Find(ctx context.Context, ip string, now time.Time) (*model.BlockedIP, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.blocked[ip]
	if !ok || (b.ExpiresAt != nil && !b.ExpiresAt.After(now)) {
		return nil, nil
	}
	return b, nil
}

// ==================== 登录凭证 ====================

type fakeCredStore struct {
	mu    sync.Mutex
	creds map[string]*model.UserCredential
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{creds: map[string]*model.UserCredential{}}
}

func (f *fakeCredStore) GetByEmail(ctx context.Context, email string) (*model.UserCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[email]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (f *fakeCredStore) Create(ctx context.Context, cred *model.UserCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.creds[cred.Email]; ok {
		return repository.ErrCredentialExists
	}
	f.creds[cred.Email] = cred
	return nil
}

// ==================== redis（分布式锁） ====================

type fakeRedis struct {
	redis.Cmdable
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

// ==================== 工具 ====================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
