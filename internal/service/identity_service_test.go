package service

import (
	"context"
	"testing"

	"charaforge/pkg/identity"

	"github.com/stretchr/testify/assert"
)

func TestIdentityService_AliasAbuseScenario(t *testing.T) {
	store := newFakeLedgerStore()
	store.seed("u1", "akihiro@gmail.com", 3)
	svc := NewIdentityService(store)
	ctx := context.Background()

	assert.ErrorIs(t, svc.CheckSignIn(ctx, "akihiro+test@gmail.com"), ErrAliasAbuseDetected)
	assert.ErrorIs(t, svc.CheckSignIn(ctx, "aki.hiro@gmail.com"), ErrAliasAbuseDetected)
	// googlemail.com 是独立的规范域名，不和 gmail.com 合并
	assert.NoError(t, svc.CheckSignIn(ctx, "AkiHiro@GoogleMail.com"))

	assert.NoError(t, svc.CheckSignIn(ctx, "akihiro@gmail.com"))
	assert.NoError(t, svc.CheckSignIn(ctx, "  AKIHIRO@gmail.com "))
	assert.NoError(t, svc.CheckSignIn(ctx, "someone.else@gmail.com"))
}

func TestIdentityService_PlusOnlyDomainKeepsDots(t *testing.T) {
	store := newFakeLedgerStore()
	store.seed("u1", "a.b@outlook.com", 0)
	svc := NewIdentityService(store)
	ctx := context.Background()

	assert.ErrorIs(t, svc.CheckSignIn(ctx, "a.b+promo@outlook.com"), ErrAliasAbuseDetected)
	// 点号在 outlook 是有意义的，ab@outlook.com 是另一个人
	assert.NoError(t, svc.CheckSignIn(ctx, "ab@outlook.com"))
}

func TestIdentityService_InvalidEmail(t *testing.T) {
	svc := NewIdentityService(newFakeLedgerStore())
	assert.ErrorIs(t, svc.CheckSignIn(context.Background(), ""), identity.ErrInvalidInput)
	assert.ErrorIs(t, svc.CheckSignIn(context.Background(), "user@"), identity.ErrInvalidFormat)
}
